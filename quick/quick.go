// =============================================================================
// Package quick — One-Line Discovery Stack Construction
// =============================================================================
// Provides a convenience entry point for wiring a registry, matcher, and
// remote poller with minimal boilerplate. Delegates to the discovery package
// internally.
//
// The package lives under quick/ (not root) so the root package can stay a
// thin re-export layer with the short import path.
//
// Usage:
//
//	import "github.com/BaSui01/serviceflow/quick"
//
//	s, err := quick.New()
//	s, err := quick.New(quick.WithEndpoints("http://peer:8080/discover"))
//	s, err := quick.New(quick.WithRemoteNode("peer.internal", 8080))
//
// =============================================================================
package quick

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/serviceflow/discovery"

	"go.uber.org/zap"
)

// Option configures the stack created by New.
type Option func(*options)

type options struct {
	endpoints       []string
	refreshInterval time.Duration
	autoRefresh     bool
	store           discovery.SnapshotStore
	matcherConfig   *discovery.MatcherConfig
	logger          *zap.Logger

	// Remote node shortcut fields — used when endpoints is empty.
	remoteHost string
	remotePort int
}

// WithEndpoints sets the remote discovery endpoint URLs to poll.
func WithEndpoints(endpoints ...string) Option {
	return func(o *options) { o.endpoints = endpoints }
}

// WithRemoteNode points the stack at a single remote node. The discovery
// endpoint URL is synthesized as "http://host:port/discover".
func WithRemoteNode(host string, port int) Option {
	return func(o *options) {
		o.remoteHost = host
		o.remotePort = port
	}
}

// WithRefreshInterval sets the poll cadence and enables auto refresh.
func WithRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		o.refreshInterval = interval
		o.autoRefresh = true
	}
}

// WithAutoRefresh enables or disables background polling.
func WithAutoRefresh(enabled bool) Option {
	return func(o *options) { o.autoRefresh = enabled }
}

// WithSnapshotStore sets the snapshot store backing the poller.
// Defaults to an in-memory store.
func WithSnapshotStore(store discovery.SnapshotStore) Option {
	return func(o *options) { o.store = store }
}

// WithMatcherConfig overrides the capability scoring weights.
func WithMatcherConfig(cfg *discovery.MatcherConfig) Option {
	return func(o *options) { o.matcherConfig = cfg }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Stack bundles the wired discovery components.
type Stack struct {
	// Registry holds locally registered services.
	Registry *discovery.ServiceRegistry

	// Matcher scores services against capability queries.
	Matcher *discovery.CapabilityMatcher

	// Watcher polls remote endpoints. Nil when no endpoints are configured.
	Watcher *discovery.ServiceDiscovery
}

// New wires a discovery stack with minimal configuration.
func New(opts ...Option) (*Stack, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	endpoints := o.endpoints
	if len(endpoints) == 0 && o.remoteHost != "" {
		if o.remotePort <= 0 || o.remotePort > 65535 {
			return nil, fmt.Errorf("quick: remote port %d out of range", o.remotePort)
		}
		endpoints = []string{fmt.Sprintf("http://%s:%d/discover", o.remoteHost, o.remotePort)}
	}

	if o.autoRefresh && len(endpoints) == 0 {
		return nil, fmt.Errorf("quick: auto refresh requested: %w", discovery.ErrNoEndpoints)
	}

	registryConfig := discovery.DefaultRegistryConfig()
	registryConfig.Endpoints = endpoints
	registry := discovery.NewServiceRegistry(registryConfig, o.logger)

	matcher := discovery.NewCapabilityMatcher(o.matcherConfig, o.logger)

	stack := &Stack{
		Registry: registry,
		Matcher:  matcher,
	}

	if len(endpoints) > 0 {
		store := o.store
		if store == nil {
			store = discovery.NewMemorySnapshotStore(0)
		}

		discoveryConfig := discovery.DefaultDiscoveryConfig()
		discoveryConfig.Endpoints = endpoints
		if o.refreshInterval > 0 {
			discoveryConfig.RefreshInterval = o.refreshInterval
		}
		stack.Watcher = discovery.NewServiceDiscovery(discoveryConfig, store, o.logger)

		if o.autoRefresh {
			stack.Watcher.StartAutoRefresh()
		}
	}

	return stack, nil
}

// Close stops background polling and shuts down the registry.
func (s *Stack) Close(ctx context.Context) error {
	if s.Watcher != nil {
		s.Watcher.StopAutoRefresh()
	}
	if s.Registry != nil {
		return s.Registry.Shutdown(ctx)
	}
	return nil
}
