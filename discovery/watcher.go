package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/serviceflow/internal/retry"
)

// ServiceDiscovery is an independent poller over a set of discovery
// endpoints. It keeps the last-known service map, diffs each completed poll
// against it, and delivers the resulting change batch to subscribed
// listeners. Its life cycle is decoupled from any ServiceRegistry: zero, one,
// or many instances may run in a process.
type ServiceDiscovery struct {
	mu sync.RWMutex

	// known is the last completed poll keyed by service id. It is replaced
	// wholesale by each cycle's result, never partially merged.
	known map[string]DiscoveredService

	// listeners stores batch listeners by subscription id; pollObservers
	// stores per-endpoint poll outcome observers the same way.
	listeners     map[string]BatchListener
	pollObservers map[string]PollObserver
	listenerMu    sync.RWMutex

	// Auto-refresh state. running is idempotent: starting twice is a no-op.
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	config  *DiscoveryConfig
	store   SnapshotStore
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// DiscoveryConfig holds configuration for the service discovery poller.
type DiscoveryConfig struct {
	// Endpoints are the discovery base URLs polled each cycle.
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// RefreshInterval is the auto-refresh poll cadence.
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`

	// RequestTimeout bounds each HTTP request to an endpoint.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// RetryAttempts is the total number of tries per endpoint per cycle.
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts"`

	// RetryDelay is the linear backoff base: the n-th retry waits
	// RetryDelay * n.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// SnapshotKey names this watcher's entry in the snapshot store.
	SnapshotKey string `json:"snapshot_key" yaml:"snapshot_key"`
}

// DefaultDiscoveryConfig returns a DiscoveryConfig with sensible defaults.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		RefreshInterval: 30 * time.Second,
		RequestTimeout:  10 * time.Second,
		RetryAttempts:   3,
		RetryDelay:      1 * time.Second,
		SnapshotKey:     "default",
	}
}

// NewServiceDiscovery creates a service discovery poller. The snapshot store
// is optional: when present, the last saved poll is warm-loaded so a restart
// diffs against the previous world; when nil or empty, the watcher starts
// cold and the first poll reports every service as added.
func NewServiceDiscovery(config *DiscoveryConfig, store SnapshotStore, logger *zap.Logger) *ServiceDiscovery {
	if config == nil {
		config = DefaultDiscoveryConfig()
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 30 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 1 * time.Second
	}
	if config.SnapshotKey == "" {
		config.SnapshotKey = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "service_discovery"))

	d := &ServiceDiscovery{
		known:         make(map[string]DiscoveredService),
		listeners:     make(map[string]BatchListener),
		pollObservers: make(map[string]PollObserver),
		config:        config,
		store:         store,
		client:        &http.Client{Timeout: config.RequestTimeout},
		retryer: retry.New(&retry.Policy{
			MaxAttempts:  config.RetryAttempts,
			InitialDelay: config.RetryDelay,
			Backoff:      retry.BackoffLinear,
		}, logger),
		logger: logger,
	}

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if snapshot, err := store.Load(ctx, config.SnapshotKey); err == nil {
			d.known = snapshot
			d.logger.Info("warm-loaded discovery snapshot",
				zap.String("key", config.SnapshotKey),
				zap.Int("services", len(snapshot)),
			)
		} else if err != ErrSnapshotNotFound {
			d.logger.Warn("failed to load discovery snapshot", zap.Error(err))
		}
	}

	return d
}

// DiscoverServices runs one poll cycle across all endpoints and returns the
// change batch it produced. Endpoints are polled concurrently, each with its
// own retry budget; a failing endpoint is logged and skipped, never fatal.
// The combined result replaces the previous map wholesale and is diffed by
// id: a new id emits "added", a missing id emits "removed", and a health
// STATUS difference emits "health-changed" with previous and current values.
// An id present both times whose non-health fields changed emits nothing;
// the snapshot accessors expose the latest field values regardless. When the
// cycle produced at least one event, every listener receives the full batch
// exactly once.
func (d *ServiceDiscovery) DiscoverServices(ctx context.Context) []ChangeEvent {
	latest := d.pollAll(ctx)

	d.mu.Lock()
	previous := d.known
	// Preserve first-seen timestamps across cycles for ids that survive.
	for id, svc := range latest {
		if old, ok := previous[id]; ok {
			svc.DiscoveredAt = old.DiscoveredAt
			latest[id] = svc
		}
	}
	d.known = latest
	d.mu.Unlock()

	events := diffServiceMaps(previous, latest)

	if d.store != nil {
		if err := d.store.Save(ctx, d.config.SnapshotKey, latest); err != nil {
			d.logger.Warn("failed to save discovery snapshot", zap.Error(err))
		}
	}

	if len(events) > 0 {
		d.logger.Info("discovery changes detected",
			zap.Int("events", len(events)),
			zap.Int("services", len(latest)),
		)
		d.notify(events)
	}

	return events
}

// pollAll fans out one poll per endpoint and merges the results by id,
// first endpoint wins on duplicates.
func (d *ServiceDiscovery) pollAll(ctx context.Context) map[string]DiscoveredService {
	results := make([][]DiscoveredService, len(d.config.Endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, endpoint := range d.config.Endpoints {
		g.Go(func() error {
			start := time.Now()
			services, err := d.DiscoverFromEndpoint(gctx, endpoint)
			d.notifyPollObservers(PollResult{
				Endpoint: endpoint,
				Services: len(services),
				Duration: time.Since(start),
				Err:      err,
			})
			if err != nil {
				d.logger.Warn("endpoint poll failed",
					zap.String("endpoint", endpoint),
					zap.Error(err),
				)
				return nil
			}
			results[i] = services
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]DiscoveredService)
	for _, services := range results {
		for _, svc := range services {
			if _, ok := merged[svc.ID]; !ok {
				merged[svc.ID] = svc
			}
		}
	}
	return merged
}

// DiscoverFromEndpoint polls one endpoint, retrying up to the configured
// attempts with linear backoff before surfacing the last error. The caller
// isolates the error per endpoint.
func (d *ServiceDiscovery) DiscoverFromEndpoint(ctx context.Context, endpoint string) ([]DiscoveredService, error) {
	var services []DiscoveredService

	err := d.retryer.Do(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
		defer cancel()

		var err error
		services, err = fetchDescriptors(reqCtx, d.client, endpoint)
		return err
	})
	if err != nil {
		return nil, err
	}
	return services, nil
}

// RegisterLocal broadcasts one local service's identity, type, and
// capabilities to every endpoint's companion registration path. It is
// best-effort: per-endpoint failures are logged, never returned.
func (d *ServiceDiscovery) RegisterLocal(ctx context.Context, svc Service) {
	if svc == nil {
		return
	}

	announcement := Announcement{
		ID:           svc.ID(),
		Name:         svc.Name(),
		Type:         svc.Type(),
		Capabilities: svc.Capabilities(),
	}

	body, err := json.Marshal(announcement)
	if err != nil {
		d.logger.Error("failed to marshal announcement",
			zap.String("service_id", svc.ID()),
			zap.Error(err),
		)
		return
	}

	for _, endpoint := range d.config.Endpoints {
		url := registrationPath(endpoint)
		if err := d.announce(ctx, url, body); err != nil {
			d.logger.Warn("registration announcement failed",
				zap.String("service_id", svc.ID()),
				zap.String("url", url),
				zap.Error(err),
			)
			continue
		}
		d.logger.Debug("service announced",
			zap.String("service_id", svc.ID()),
			zap.String("url", url),
		)
	}
}

// announce POSTs one announcement body. The response body is ignored beyond
// the status code.
func (d *ServiceDiscovery) announce(ctx context.Context, url string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", discoveryUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registration returned status %d", resp.StatusCode)
	}
	return nil
}

// WatchChanges subscribes fn to poll change batches and returns its
// unsubscribe function. Listeners run synchronously inside the poll that
// produced the batch, with per-listener panic isolation.
func (d *ServiceDiscovery) WatchChanges(fn BatchListener) func() {
	id := uuid.NewString()

	d.listenerMu.Lock()
	d.listeners[id] = fn
	d.listenerMu.Unlock()

	return func() {
		d.listenerMu.Lock()
		delete(d.listeners, id)
		d.listenerMu.Unlock()
	}
}

// PollResult reports the outcome of one endpoint poll within a cycle,
// before any retry-exhausted error is swallowed by endpoint isolation.
type PollResult struct {
	// Endpoint is the polled discovery URL.
	Endpoint string

	// Services is the number of descriptors the endpoint returned.
	Services int

	// Duration covers the whole poll including retries.
	Duration time.Duration

	// Err is the final error after the retry budget, nil on success.
	Err error
}

// PollObserver receives one PollResult per endpoint per cycle.
type PollObserver func(result PollResult)

// OnPoll subscribes fn to per-endpoint poll outcomes and returns its
// unsubscribe function. Observers run synchronously inside the polling
// goroutine with panic isolation, so they see failures that endpoint
// isolation keeps out of the change batch.
func (d *ServiceDiscovery) OnPoll(fn PollObserver) func() {
	id := uuid.NewString()

	d.listenerMu.Lock()
	d.pollObservers[id] = fn
	d.listenerMu.Unlock()

	return func() {
		d.listenerMu.Lock()
		delete(d.pollObservers, id)
		d.listenerMu.Unlock()
	}
}

// notifyPollObservers delivers one poll outcome to every observer.
func (d *ServiceDiscovery) notifyPollObservers(result PollResult) {
	d.listenerMu.RLock()
	observers := make([]PollObserver, 0, len(d.pollObservers))
	for _, fn := range d.pollObservers {
		observers = append(observers, fn)
	}
	d.listenerMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Error("poll observer panicked", zap.Any("panic", rec))
				}
			}()
			fn(result)
		}()
	}
}

// StartAutoRefresh begins continuous polling: one immediate cycle, then one
// per RefreshInterval. Starting an already running watcher is a no-op.
func (d *ServiceDiscovery) StartAutoRefresh() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.DiscoverServices(context.Background())

		ticker := time.NewTicker(d.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.DiscoverServices(context.Background())
			case <-stop:
				return
			}
		}
	}()

	d.logger.Info("auto refresh started",
		zap.Duration("interval", d.config.RefreshInterval),
		zap.Int("endpoints", len(d.config.Endpoints)),
	)
}

// StopAutoRefresh cancels the recurring timer. It only prevents the next
// cycle from being scheduled; a poll already in flight runs to completion.
// Stopping a stopped watcher is a no-op.
func (d *ServiceDiscovery) StopAutoRefresh() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("auto refresh stopped")
}

// GetDiscoveredServices returns a snapshot copy of the last completed poll.
// It never triggers a new poll.
func (d *ServiceDiscovery) GetDiscoveredServices() []DiscoveredService {
	d.mu.RLock()
	defer d.mu.RUnlock()

	services := make([]DiscoveredService, 0, len(d.known))
	for _, svc := range copySnapshot(d.known) {
		services = append(services, svc)
	}
	return services
}

// GetServiceByID returns one service from the last completed poll.
func (d *ServiceDiscovery) GetServiceByID(id string) (DiscoveredService, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	svc, ok := d.known[id]
	if !ok {
		return DiscoveredService{}, false
	}
	caps := make([]Capability, len(svc.Capabilities))
	copy(caps, svc.Capabilities)
	svc.Capabilities = caps
	return svc, true
}

// GetServicesByType returns the last poll's services whose type tag equals t.
func (d *ServiceDiscovery) GetServicesByType(t string) []DiscoveredService {
	d.mu.RLock()
	defer d.mu.RUnlock()

	services := make([]DiscoveredService, 0)
	for _, svc := range copySnapshot(d.known) {
		if svc.Type == t {
			services = append(services, svc)
		}
	}
	return services
}

// GetHealthyServices returns the last poll's services whose health status is
// healthy. Degraded services are excluded.
func (d *ServiceDiscovery) GetHealthyServices() []DiscoveredService {
	d.mu.RLock()
	defer d.mu.RUnlock()

	services := make([]DiscoveredService, 0)
	for _, svc := range copySnapshot(d.known) {
		if svc.Health.Status == HealthHealthy {
			services = append(services, svc)
		}
	}
	return services
}

// notify delivers one batch to every listener synchronously, isolating
// panics per listener.
func (d *ServiceDiscovery) notify(events []ChangeEvent) {
	d.listenerMu.RLock()
	listeners := make([]BatchListener, 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.listenerMu.RUnlock()

	for _, fn := range listeners {
		d.callListener(fn, events)
	}
}

// callListener invokes one batch listener with panic recovery.
func (d *ServiceDiscovery) callListener(fn BatchListener, events []ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("batch listener panicked", zap.Any("panic", rec))
		}
	}()
	fn(events)
}

// diffServiceMaps compares two poll results by id. Membership changes emit
// added/removed; a health status flip emits health-changed with previous and
// current reports. Non-health field changes are deliberately silent: poll
// consumers key on membership and availability, and the replaced snapshot
// already exposes the latest field values.
func diffServiceMaps(previous, latest map[string]DiscoveredService) []ChangeEvent {
	now := time.Now()
	events := make([]ChangeEvent, 0)

	for id, svc := range latest {
		old, existed := previous[id]
		if !existed {
			s := svc
			events = append(events, ChangeEvent{
				Type:      EventAdded,
				ServiceID: id,
				Service:   &s,
				Timestamp: now,
			})
			continue
		}
		if old.Health.Status != svc.Health.Status {
			s := svc
			prev := old.Health
			curr := svc.Health
			events = append(events, ChangeEvent{
				Type:           EventHealthChanged,
				ServiceID:      id,
				Service:        &s,
				PreviousHealth: &prev,
				CurrentHealth:  &curr,
				Timestamp:      now,
			})
		}
	}

	for id := range previous {
		if _, stillThere := latest[id]; !stillThere {
			events = append(events, ChangeEvent{
				Type:      EventRemoved,
				ServiceID: id,
				Timestamp: now,
			})
		}
	}

	return events
}
