// Package discovery provides capability-based service registration, scored
// capability matching, and remote service discovery over HTTP.
//
// The package lets independently deployed worker processes advertise
// functionality and lets callers find the best available implementation of a
// requested capability without hardcoding addresses:
//
//   - ServiceRegistry: the process-local source of truth. It holds the local
//     service table, cached health, and change listeners, performs on-demand
//     remote discovery across configured endpoints, and wraps remote entries
//     as RemoteService proxies.
//   - CapabilityMatcher: a pure scoring function over a candidate list.
//     Required query terms are a hard filter; preferred terms and a minimum
//     version only add score.
//   - ServiceDiscovery: an independent poller that continuously refreshes a
//     cache of remote services, diffs each poll against the previous one, and
//     emits added/removed/health-changed batches. Its life cycle is decoupled
//     from any registry.
//   - Server: the serving side of the HTTP contract, so nodes can federate.
//
// # Basic Usage
//
// Register a service and find it by capability:
//
//	registry := discovery.NewServiceRegistry(discovery.DefaultRegistryConfig(), logger)
//	_ = registry.Register(myService)
//
//	matcher := discovery.NewCapabilityMatcher(nil, logger)
//	best := matcher.FindBestMatch(discovery.CapabilityQuery{
//	    Required: []string{"chat"},
//	}, registry.ListServices())
//
// Watch remote nodes for membership and health changes:
//
//	watcher := discovery.NewServiceDiscovery(&discovery.DiscoveryConfig{
//	    Endpoints: []string{"http://peer:8080/discover"},
//	}, nil, logger)
//	stop := watcher.WatchChanges(func(events []discovery.ChangeEvent) {
//	    // react to the batch
//	})
//	defer stop()
//	watcher.StartAutoRefresh()
//
// # Error Handling
//
// Nothing in this package crashes a caller on network failure. Transport
// errors are caught per endpoint and surfaced as structured result fields;
// malformed payloads degrade to zero services; a faulty local service's
// health check or shutdown becomes a synthetic offline data point.
package discovery
