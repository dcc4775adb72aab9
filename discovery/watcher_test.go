package discovery_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/serviceflow/discovery"
	"github.com/BaSui01/serviceflow/testutil"
)

// descriptorServer serves a mutable set of descriptors at /discover and
// records POST /register bodies.
type descriptorServer struct {
	mu       sync.Mutex
	services []map[string]any
	regs     []discovery.Announcement

	srv *httptest.Server
}

func newDescriptorServer(t *testing.T) *descriptorServer {
	t.Helper()
	ds := &descriptorServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/discover", func(w http.ResponseWriter, r *http.Request) {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"services": ds.services})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var a discovery.Announcement
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ds.mu.Lock()
		ds.regs = append(ds.regs, a)
		ds.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	ds.srv = httptest.NewServer(mux)
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *descriptorServer) endpoint() string { return ds.srv.URL + "/discover" }

func (ds *descriptorServer) setServices(services ...map[string]any) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.services = services
}

func (ds *descriptorServer) registrations() []discovery.Announcement {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]discovery.Announcement, len(ds.regs))
	copy(out, ds.regs)
	return out
}

func healthyDescriptor(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "worker",
		"health": map[string]any{
			"status":    "healthy",
			"lastCheck": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func newTestWatcher(t *testing.T, store discovery.SnapshotStore, endpoints ...string) *discovery.ServiceDiscovery {
	t.Helper()
	config := discovery.DefaultDiscoveryConfig()
	config.Endpoints = endpoints
	config.RefreshInterval = 50 * time.Millisecond
	config.RequestTimeout = 2 * time.Second
	config.RetryAttempts = 1
	config.RetryDelay = 10 * time.Millisecond
	return discovery.NewServiceDiscovery(config, store, zap.NewNop())
}

func TestServiceDiscovery_FirstPollReportsAdded(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"), healthyDescriptor("b"))

	watcher := newTestWatcher(t, nil, ds.endpoint())

	events := watcher.DiscoverServices(testutil.TestContext(t))

	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, discovery.EventAdded, e.Type)
		require.NotNil(t, e.Service)
	}
	assert.Len(t, watcher.GetDiscoveredServices(), 2)
}

func TestServiceDiscovery_UnchangedPollEmitsNothing(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	recorder := testutil.NewEventRecorder()
	defer watcher.WatchChanges(recorder.BatchListener())()

	watcher.DiscoverServices(testutil.TestContext(t))
	first := recorder.Len()

	events := watcher.DiscoverServices(testutil.TestContext(t))

	assert.Empty(t, events)
	// An event-free cycle must not invoke listeners at all.
	assert.Equal(t, first, recorder.Len())
}

func TestServiceDiscovery_RemovedService(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"), healthyDescriptor("b"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	watcher.DiscoverServices(testutil.TestContext(t))

	ds.setServices(healthyDescriptor("a"))
	events := watcher.DiscoverServices(testutil.TestContext(t))

	require.Len(t, events, 1)
	assert.Equal(t, discovery.EventRemoved, events[0].Type)
	assert.Equal(t, "b", events[0].ServiceID)

	_, ok := watcher.GetServiceByID("b")
	assert.False(t, ok)
}

func TestServiceDiscovery_HealthStatusFlip(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	watcher.DiscoverServices(testutil.TestContext(t))

	degraded := healthyDescriptor("a")
	degraded["health"] = map[string]any{"status": "degraded", "error": "queue backlog"}
	ds.setServices(degraded)

	events := watcher.DiscoverServices(testutil.TestContext(t))

	require.Len(t, events, 1)
	assert.Equal(t, discovery.EventHealthChanged, events[0].Type)
	require.NotNil(t, events[0].PreviousHealth)
	require.NotNil(t, events[0].CurrentHealth)
	assert.Equal(t, discovery.HealthHealthy, events[0].PreviousHealth.Status)
	assert.Equal(t, discovery.HealthDegraded, events[0].CurrentHealth.Status)
}

func TestServiceDiscovery_NonHealthChangesAreSilent(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	watcher.DiscoverServices(testutil.TestContext(t))

	renamed := healthyDescriptor("a")
	renamed["name"] = "renamed"
	ds.setServices(renamed)

	events := watcher.DiscoverServices(testutil.TestContext(t))

	// Field-only changes emit nothing, but the snapshot exposes the latest
	// values regardless.
	assert.Empty(t, events)
	got, ok := watcher.GetServiceByID("a")
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)
}

func TestServiceDiscovery_PreservesDiscoveredAt(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	watcher.DiscoverServices(testutil.TestContext(t))

	first, ok := watcher.GetServiceByID("a")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	watcher.DiscoverServices(testutil.TestContext(t))

	second, ok := watcher.GetServiceByID("a")
	require.True(t, ok)
	assert.Equal(t, first.DiscoveredAt, second.DiscoveredAt)
	assert.True(t, second.LastSeen.After(first.LastSeen) || second.LastSeen.Equal(first.LastSeen))
}

func TestServiceDiscovery_DescriptorNormalization(t *testing.T) {
	ds := newDescriptorServer(t)
	// Only an id: everything else must be defaulted, not rejected.
	ds.setServices(map[string]any{"id": "bare"})

	watcher := newTestWatcher(t, nil, ds.endpoint())
	watcher.DiscoverServices(testutil.TestContext(t))

	got, ok := watcher.GetServiceByID("bare")
	require.True(t, ok)
	assert.Equal(t, "bare", got.Name)
	assert.Equal(t, "unknown", got.Type)
	assert.NotNil(t, got.Capabilities)
	assert.Empty(t, got.Capabilities)
	assert.Equal(t, discovery.HealthOffline, got.Health.Status)
}

func TestServiceDiscovery_FailingEndpointIsIsolated(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()

	watcher := newTestWatcher(t, nil, ds.endpoint(), dead.URL+"/discover")
	events := watcher.DiscoverServices(testutil.TestContext(t))

	// The healthy endpoint's result survives the failing sibling.
	require.Len(t, events, 1)
	assert.Equal(t, discovery.EventAdded, events[0].Type)
}

func TestServiceDiscovery_RetriesFailedRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"id":"late"}]`))
	}))
	defer srv.Close()

	config := discovery.DefaultDiscoveryConfig()
	config.Endpoints = []string{srv.URL}
	config.RetryAttempts = 3
	config.RetryDelay = 5 * time.Millisecond
	watcher := discovery.NewServiceDiscovery(config, nil, zap.NewNop())

	services, err := watcher.DiscoverFromEndpoint(testutil.TestContext(t), srv.URL)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "late", services[0].ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServiceDiscovery_RetryBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	config := discovery.DefaultDiscoveryConfig()
	config.Endpoints = []string{srv.URL}
	config.RetryAttempts = 2
	config.RetryDelay = 5 * time.Millisecond
	watcher := discovery.NewServiceDiscovery(config, nil, zap.NewNop())

	_, err := watcher.DiscoverFromEndpoint(testutil.TestContext(t), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestServiceDiscovery_RegisterLocal(t *testing.T) {
	ds := newDescriptorServer(t)

	watcher := newTestWatcher(t, nil, ds.endpoint())

	svc := testutil.NewStubService("local-svc", "worker",
		testutil.Cap("chat", "1.2", "streaming"))
	watcher.RegisterLocal(testutil.TestContext(t), svc)

	regs := ds.registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "local-svc", regs[0].ID)
	assert.Equal(t, "worker", regs[0].Type)
	require.Len(t, regs[0].Capabilities, 1)
	assert.Equal(t, "chat", regs[0].Capabilities[0].Name)

	// A nil service is ignored entirely.
	watcher.RegisterLocal(testutil.TestContext(t), nil)
	assert.Len(t, ds.registrations(), 1)
}

func TestServiceDiscovery_SnapshotWarmLoad(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	store := discovery.NewMemorySnapshotStore(0)

	first := newTestWatcher(t, store, ds.endpoint())
	first.DiscoverServices(testutil.TestContext(t))

	// A second watcher sharing the store starts warm: the same world yields
	// no "added" storm.
	second := newTestWatcher(t, store, ds.endpoint())
	assert.Len(t, second.GetDiscoveredServices(), 1)

	events := second.DiscoverServices(testutil.TestContext(t))
	assert.Empty(t, events)
}

func TestServiceDiscovery_AutoRefresh(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	recorder := testutil.NewEventRecorder()
	defer watcher.WatchChanges(recorder.BatchListener())()

	watcher.StartAutoRefresh()
	// Starting twice is a no-op.
	watcher.StartAutoRefresh()
	defer watcher.StopAutoRefresh()

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(watcher.GetDiscoveredServices()) == 1
	}, 2*time.Second)

	ds.setServices(healthyDescriptor("a"), healthyDescriptor("b"))

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(watcher.GetDiscoveredServices()) == 2
	}, 2*time.Second)

	watcher.StopAutoRefresh()
	// Stopping twice is a no-op.
	watcher.StopAutoRefresh()
}

func TestServiceDiscovery_SnapshotAccessors(t *testing.T) {
	ds := newDescriptorServer(t)
	degraded := healthyDescriptor("b")
	degraded["health"] = map[string]any{"status": "degraded"}
	media := healthyDescriptor("c")
	media["type"] = "media"
	ds.setServices(healthyDescriptor("a"), degraded, media)

	watcher := newTestWatcher(t, nil, ds.endpoint())
	watcher.DiscoverServices(testutil.TestContext(t))

	assert.Len(t, watcher.GetDiscoveredServices(), 3)
	assert.Len(t, watcher.GetServicesByType("worker"), 2)
	assert.Len(t, watcher.GetServicesByType("media"), 1)

	// Degraded services are not healthy.
	healthy := watcher.GetHealthyServices()
	ids := make([]string, 0, len(healthy))
	for _, svc := range healthy {
		ids = append(ids, svc.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestServiceDiscovery_ListenerPanicIsolation(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())
	recorder := testutil.NewEventRecorder()

	defer watcher.WatchChanges(func([]discovery.ChangeEvent) {
		panic("batch listener exploded")
	})()
	defer watcher.WatchChanges(recorder.BatchListener())()

	events := watcher.DiscoverServices(testutil.TestContext(t))
	require.Len(t, events, 1)
	assert.Equal(t, 1, recorder.Len())
}

func TestServiceDiscovery_OnPollReportsEveryEndpoint(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	watcher := newTestWatcher(t, nil, ds.endpoint(), broken.URL)

	var mu sync.Mutex
	var results []discovery.PollResult
	defer watcher.OnPoll(func(r discovery.PollResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})()

	watcher.DiscoverServices(testutil.TestContext(t))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2, "one result per endpoint per cycle")

	byEndpoint := make(map[string]discovery.PollResult, len(results))
	for _, r := range results {
		byEndpoint[r.Endpoint] = r
	}

	good := byEndpoint[ds.endpoint()]
	assert.NoError(t, good.Err)
	assert.Equal(t, 1, good.Services)
	assert.Greater(t, good.Duration, time.Duration(0))

	bad := byEndpoint[broken.URL]
	require.Error(t, bad.Err)
	assert.Contains(t, bad.Err.Error(), "status 500")
	assert.Zero(t, bad.Services)
}

func TestServiceDiscovery_OnPollUnsubscribe(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())

	var calls atomic.Int64
	unsubscribe := watcher.OnPoll(func(discovery.PollResult) {
		calls.Add(1)
	})

	watcher.DiscoverServices(testutil.TestContext(t))
	require.Equal(t, int64(1), calls.Load())

	unsubscribe()
	watcher.DiscoverServices(testutil.TestContext(t))
	assert.Equal(t, int64(1), calls.Load(), "no delivery after unsubscribe")
}

func TestServiceDiscovery_PollObserverPanicIsolation(t *testing.T) {
	ds := newDescriptorServer(t)
	ds.setServices(healthyDescriptor("a"))

	watcher := newTestWatcher(t, nil, ds.endpoint())

	defer watcher.OnPoll(func(discovery.PollResult) {
		panic("poll observer exploded")
	})()

	var calls atomic.Int64
	defer watcher.OnPoll(func(discovery.PollResult) {
		calls.Add(1)
	})()

	events := watcher.DiscoverServices(testutil.TestContext(t))
	require.Len(t, events, 1, "poll cycle survives a panicking observer")
	assert.Equal(t, int64(1), calls.Load())
}

func TestServiceDiscovery_DuplicateIDsFirstEndpointWins(t *testing.T) {
	mkServer := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `[{"id":"shared","name":%q}]`, name)
		}))
	}
	first := mkServer("from-first")
	defer first.Close()
	second := mkServer("from-second")
	defer second.Close()

	watcher := newTestWatcher(t, nil, first.URL, second.URL)
	watcher.DiscoverServices(testutil.TestContext(t))

	got, ok := watcher.GetServiceByID("shared")
	require.True(t, ok)
	assert.Equal(t, "from-first", got.Name)
}
