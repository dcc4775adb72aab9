package discovery

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceRegistry is the process-local source of truth for registered
// services. It holds the local service table, a per-cycle health cache, and
// a change-listener set, and performs on-demand remote discovery across its
// configured endpoints.
//
// Table operations (Register, Unregister, the Get* reads) are synchronous
// and never touch the network. Discover and GetHealthStatus fan out over the
// network with per-call timeouts and always return; failures surface as
// structured result fields instead of errors.
type ServiceRegistry struct {
	mu sync.RWMutex

	// services stores local services by id.
	services map[string]Service

	// healthCache holds the last health report per service id. A cached
	// value is trusted only for the check cycle that produced it.
	healthCache map[string]Health

	// listeners stores change listeners by subscription id.
	listeners  map[string]ChangeListener
	listenerMu sync.RWMutex

	config *RegistryConfig
	client *http.Client
	logger *zap.Logger
}

// RegistryConfig holds configuration for the service registry.
type RegistryConfig struct {
	// Endpoints are the remote discovery base URLs polled by Discover.
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// DiscoverTimeout bounds each endpoint poll inside Discover.
	DiscoverTimeout time.Duration `json:"discover_timeout" yaml:"discover_timeout"`

	// HealthTimeout bounds each remote proxy health check.
	HealthTimeout time.Duration `json:"health_timeout" yaml:"health_timeout"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		DiscoverTimeout: 10 * time.Second,
		HealthTimeout:   5 * time.Second,
	}
}

// NewServiceRegistry creates a new service registry.
func NewServiceRegistry(config *RegistryConfig, logger *zap.Logger) *ServiceRegistry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if config.DiscoverTimeout <= 0 {
		config.DiscoverTimeout = 10 * time.Second
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ServiceRegistry{
		services:    make(map[string]Service),
		healthCache: make(map[string]Health),
		listeners:   make(map[string]ChangeListener),
		config:      config,
		client:      &http.Client{Timeout: config.DiscoverTimeout},
		logger:      logger.With(zap.String("component", "service_registry")),
	}
}

// Register inserts or replaces a service by id. Registering a new id emits a
// "registered" event; re-registering an existing id replaces the entry and
// emits "updated", never a duplicate.
func (r *ServiceRegistry) Register(svc Service) error {
	if svc == nil {
		return ErrNilService
	}
	id := svc.ID()
	if id == "" {
		return ErrEmptyServiceID
	}

	r.mu.Lock()
	_, exists := r.services[id]
	r.services[id] = svc
	r.mu.Unlock()

	eventType := EventRegistered
	if exists {
		eventType = EventUpdated
	}

	r.logger.Info("service registered",
		zap.String("service_id", id),
		zap.String("type", svc.Type()),
		zap.Bool("replaced", exists),
	)

	r.emit(ChangeEvent{
		Type:      eventType,
		ServiceID: id,
		Timestamp: time.Now(),
	})

	return nil
}

// Unregister removes a service and its cached health. Unregistering an
// unknown id is a silent no-op: no event, no error.
func (r *ServiceRegistry) Unregister(id string) {
	r.mu.Lock()
	_, exists := r.services[id]
	if exists {
		delete(r.services, id)
		delete(r.healthCache, id)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	r.logger.Info("service unregistered", zap.String("service_id", id))

	r.emit(ChangeEvent{
		Type:      EventUnregistered,
		ServiceID: id,
		Timestamp: time.Now(),
	})
}

// GetService returns the local service registered under id.
func (r *ServiceRegistry) GetService(id string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return svc, nil
}

// ListServices returns every locally registered service.
func (r *ServiceRegistry) ListServices() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	return services
}

// GetServicesByType returns the local services whose type tag equals t.
func (r *ServiceRegistry) GetServicesByType(t string) []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]Service, 0)
	for _, svc := range r.services {
		if svc.Type() == t {
			services = append(services, svc)
		}
	}
	return services
}

// GetServicesByCapability returns the local services matching name against a
// capability name or any feature tag under any capability. This mirrors the
// matcher's vocabulary but is unscored.
func (r *ServiceRegistry) GetServicesByCapability(name string) []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]Service, 0)
	for _, svc := range r.services {
		if flattenTerms(svc.Capabilities())[strings.ToLower(name)] {
			services = append(services, svc)
		}
	}
	return services
}

// Discover merges the local table with one poll of every configured remote
// endpoint. It always resolves: per-endpoint failures accumulate in the
// result's Errors without aborting the call. Remote descriptors whose id is
// not already present locally are wrapped as RemoteService proxies. Source
// is "local" only when zero endpoints are configured.
func (r *ServiceRegistry) Discover(ctx context.Context) *DiscoveryResult {
	result := &DiscoveryResult{
		Source: SourceLocal,
	}

	locals := r.ListServices()
	seen := make(map[string]bool, len(locals))
	result.Services = append(result.Services, locals...)
	for _, svc := range locals {
		seen[svc.ID()] = true
	}

	if len(r.config.Endpoints) > 0 {
		result.Source = SourceRemote

		type endpointResult struct {
			endpoint    string
			descriptors []DiscoveredService
			err         error
		}

		results := make([]endpointResult, len(r.config.Endpoints))
		g, gctx := errgroup.WithContext(ctx)
		for i, endpoint := range r.config.Endpoints {
			g.Go(func() error {
				pollCtx, cancel := context.WithTimeout(gctx, r.config.DiscoverTimeout)
				defer cancel()

				descriptors, err := fetchDescriptors(pollCtx, r.client, endpoint)
				results[i] = endpointResult{endpoint: endpoint, descriptors: descriptors, err: err}
				return nil
			})
		}
		// Goroutines never return errors; Wait only joins the fan-out.
		_ = g.Wait()

		for _, res := range results {
			if res.err != nil {
				r.logger.Warn("discovery endpoint failed",
					zap.String("endpoint", res.endpoint),
					zap.Error(res.err),
				)
				result.Errors = append(result.Errors, res.err.Error())
				continue
			}
			for _, d := range res.descriptors {
				if seen[d.ID] {
					continue
				}
				seen[d.ID] = true
				result.Services = append(result.Services,
					NewRemoteService(d, res.endpoint, r.config.HealthTimeout, r.logger))
			}
		}
	}

	result.Timestamp = time.Now()

	r.logger.Debug("discovery completed",
		zap.String("source", result.Source),
		zap.Int("services", len(result.Services)),
		zap.Int("errors", len(result.Errors)),
	)

	return result
}

// OnServiceChange subscribes fn to registry change events and returns its
// unsubscribe function. Listeners run synchronously inside the emitting
// call; a panicking listener is recovered and logged without affecting the
// others or the caller's return.
func (r *ServiceRegistry) OnServiceChange(fn ChangeListener) func() {
	id := uuid.NewString()

	r.listenerMu.Lock()
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

// GetHealthStatus checks every local service concurrently and returns an
// id-to-health map. A failing or panicking health check becomes a synthetic
// offline report with the error populated, never a propagated failure. Any
// status transition against the cached health emits "health-changed" with
// previous and current values before the call returns.
func (r *ServiceRegistry) GetHealthStatus(ctx context.Context) map[string]Health {
	locals := r.ListServices()

	type checked struct {
		id     string
		health Health
	}

	results := make([]checked, len(locals))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range locals {
		g.Go(func() error {
			results[i] = checked{id: svc.ID(), health: safeGetHealth(gctx, svc)}
			return nil
		})
	}
	_ = g.Wait()

	statuses := make(map[string]Health, len(results))
	var transitions []ChangeEvent

	r.mu.Lock()
	for _, res := range results {
		// The service may have been unregistered while its check was in
		// flight; drop the stale report instead of resurrecting the entry.
		if _, stillRegistered := r.services[res.id]; !stillRegistered {
			continue
		}

		previous, hadPrevious := r.healthCache[res.id]
		r.healthCache[res.id] = res.health
		statuses[res.id] = res.health

		if hadPrevious && previous.Status != res.health.Status {
			prev := previous
			curr := res.health
			transitions = append(transitions, ChangeEvent{
				Type:           EventHealthChanged,
				ServiceID:      res.id,
				PreviousHealth: &prev,
				CurrentHealth:  &curr,
				Timestamp:      time.Now(),
			})
		}
	}
	r.mu.Unlock()

	for _, event := range transitions {
		r.logger.Info("service health changed",
			zap.String("service_id", event.ServiceID),
			zap.String("previous", string(event.PreviousHealth.Status)),
			zap.String("current", string(event.CurrentHealth.Status)),
		)
		r.emit(event)
	}

	return statuses
}

// Shutdown concurrently shuts down every local service best-effort (one
// failure is logged, siblings are unaffected), then clears the service
// table, health cache, and listener set. The registry remains usable as an
// empty registry afterwards.
func (r *ServiceRegistry) Shutdown(ctx context.Context) error {
	locals := r.ListServices()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range locals {
		g.Go(func() error {
			if err := safeShutdown(gctx, svc); err != nil {
				r.logger.Error("service shutdown failed",
					zap.String("service_id", svc.ID()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.services = make(map[string]Service)
	r.healthCache = make(map[string]Health)
	r.mu.Unlock()

	r.listenerMu.Lock()
	r.listeners = make(map[string]ChangeListener)
	r.listenerMu.Unlock()

	r.logger.Info("service registry shut down", zap.Int("services", len(locals)))
	return nil
}

// emit delivers one event to every listener synchronously, isolating
// panics per listener.
func (r *ServiceRegistry) emit(event ChangeEvent) {
	r.listenerMu.RLock()
	listeners := make([]ChangeListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		r.callListener(fn, event)
	}
}

// callListener invokes one listener with panic recovery.
func (r *ServiceRegistry) callListener(fn ChangeListener, event ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("change listener panicked",
				zap.Any("panic", rec),
				zap.String("event_type", string(event.Type)),
			)
		}
	}()
	fn(event)
}

// safeGetHealth calls a service's GetHealth, converting a panic into a
// synthetic offline report.
func safeGetHealth(ctx context.Context, svc Service) (health Health) {
	defer func() {
		if rec := recover(); rec != nil {
			health = offlineHealth(panicMessage(rec))
		}
	}()
	health = svc.GetHealth(ctx)
	if health.Status == "" {
		health.Status = HealthOffline
	}
	if health.LastCheck.IsZero() {
		health.LastCheck = time.Now()
	}
	return health
}

// safeShutdown calls a service's Shutdown, converting a panic into an error.
func safeShutdown(ctx context.Context, svc Service) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return svc.Shutdown(ctx)
}

// panicError wraps a recovered panic value as an error.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return "panic: " + panicMessage(e.value)
}

// panicMessage renders a recovered panic value as text.
func panicMessage(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unexpected panic"
}

// Package-level default registry. The handle is created lazily and reset
// explicitly so tests isolate process-wide state deterministically.
var (
	defaultRegistry   *ServiceRegistry
	defaultRegistryMu sync.Mutex
)

// Default returns the process-wide registry, creating it with default
// configuration on first use.
func Default() *ServiceRegistry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()

	if defaultRegistry == nil {
		defaultRegistry = NewServiceRegistry(DefaultRegistryConfig(), zap.NewNop())
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *ServiceRegistry) {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistry = r
}

// ResetDefault discards the process-wide registry. The next Default call
// creates a fresh one.
func ResetDefault() {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistry = nil
}
