package discovery

import (
	"context"
	"time"
)

// HealthState represents the operational status of a service.
type HealthState string

const (
	// HealthHealthy indicates the service is fully operational.
	HealthHealthy HealthState = "healthy"
	// HealthDegraded indicates the service is operational with reduced capacity.
	HealthDegraded HealthState = "degraded"
	// HealthOffline indicates the service is unreachable or not operational.
	HealthOffline HealthState = "offline"
)

// Health is a point-in-time health report for a service. It is transient:
// a cached Health is trusted only for the check cycle that produced it and
// is never persisted.
type Health struct {
	// Status is the operational state.
	Status HealthState `json:"status"`

	// LastCheck is when this report was produced.
	LastCheck time.Time `json:"lastCheck"`

	// Error holds diagnostic detail when Status is degraded or offline.
	Error string `json:"error,omitempty"`
}

// Capability is a named unit of functionality a service claims, qualified
// by a version string and a set of feature tags. Name and features form the
// matchable vocabulary used by CapabilityMatcher and the registry's
// capability lookup.
type Capability struct {
	// Name is the capability name, e.g. "chat" or "transcode".
	Name string `json:"name"`

	// Version is a dotted-numeric version string, e.g. "1.2".
	Version string `json:"version"`

	// Features are free-form tags refining the capability, e.g. "streaming".
	Features []string `json:"features,omitempty"`
}

// Service is a capability-providing unit owned by its creating process.
// The registry holds a non-owning reference: life-cycle hooks are invoked
// by the registry but implemented by the owner, and the business logic
// behind every method is opaque to this package.
//
// Local services are implemented by the embedding process. Remote services
// discovered over HTTP are exposed through the read-only RemoteService
// proxy, which satisfies the same interface.
type Service interface {
	// ID returns the stable, registry-unique service identifier.
	ID() string

	// Name returns the human-readable display name.
	Name() string

	// Type returns the service type tag, e.g. "worker" or "media".
	Type() string

	// Capabilities returns the capabilities this service advertises.
	Capabilities() []Capability

	// GetHealth produces a fresh health report.
	GetHealth(ctx context.Context) Health

	// Initialize prepares the service for use.
	Initialize(ctx context.Context) error

	// Shutdown releases the service's resources.
	Shutdown(ctx context.Context) error
}

// DiscoveredService is the normalized external view of a service learned
// from a discovery endpoint. It is behavior-free data; a live health probe
// is only available by wrapping it in a RemoteService.
type DiscoveredService struct {
	// ID is the stable service identifier.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// Type is the service type tag.
	Type string `json:"type"`

	// Endpoint is the discovery endpoint this entry was learned from.
	Endpoint string `json:"endpoint,omitempty"`

	// Capabilities are the advertised capabilities.
	Capabilities []Capability `json:"capabilities"`

	// Health is the health reported by the remote node at discovery time.
	Health Health `json:"health"`

	// Metadata carries optional free-form descriptor fields.
	Metadata map[string]string `json:"metadata,omitempty"`

	// DiscoveredAt is when this service was first seen.
	DiscoveredAt time.Time `json:"discoveredAt"`

	// LastSeen is when this service last appeared in a poll.
	LastSeen time.Time `json:"lastSeen"`
}

// ChangeType identifies what changed in the known service set.
type ChangeType string

const (
	// EventRegistered is emitted by the registry when a new id is registered.
	EventRegistered ChangeType = "registered"
	// EventUpdated is emitted by the registry when an existing id is re-registered.
	EventUpdated ChangeType = "updated"
	// EventUnregistered is emitted by the registry when a service is removed.
	EventUnregistered ChangeType = "unregistered"
	// EventAdded is emitted by the watcher when a poll reveals a new id.
	EventAdded ChangeType = "added"
	// EventRemoved is emitted by the watcher when an id disappears from a poll.
	EventRemoved ChangeType = "removed"
	// EventHealthChanged is emitted when a service's health status transitions.
	EventHealthChanged ChangeType = "health-changed"
)

// ChangeEvent is a notification of one observed difference in the known
// service set or a service's health between two points in time. Events are
// ephemeral: they exist only for the emit cycle that produced them.
type ChangeEvent struct {
	// Type is the kind of change.
	Type ChangeType `json:"type"`

	// ServiceID is the id of the affected service.
	ServiceID string `json:"serviceId"`

	// Service is the descriptor after the change, when one exists.
	Service *DiscoveredService `json:"service,omitempty"`

	// PreviousHealth is the health before a health-changed transition.
	PreviousHealth *Health `json:"previousHealth,omitempty"`

	// CurrentHealth is the health after a health-changed transition.
	CurrentHealth *Health `json:"currentHealth,omitempty"`

	// Timestamp is when the change was observed.
	Timestamp time.Time `json:"timestamp"`
}

// ChangeListener receives a single registry change event. Listeners run
// synchronously inside the emitting call; a panicking listener is recovered
// and logged without affecting the others.
type ChangeListener func(event ChangeEvent)

// BatchListener receives the full batch of changes from one watcher poll
// cycle. The batch is delivered at most once per cycle and only when the
// cycle produced at least one change.
type BatchListener func(events []ChangeEvent)

// CapabilityQuery selects candidate services by capability vocabulary.
// Required terms are a hard filter: a candidate missing any of them is
// disqualified outright. Preferred terms only add score. A term matches a
// capability name or any feature tag of any capability, case-insensitively.
type CapabilityQuery struct {
	// Required is the list of terms every match must satisfy.
	Required []string `json:"required,omitempty"`

	// Preferred is the list of terms that improve a match's score.
	Preferred []string `json:"preferred,omitempty"`

	// MinVersion, when set, is compared against the candidate's highest
	// capability version. Meeting it earns a bonus; failing it never
	// disqualifies.
	MinVersion string `json:"minVersion,omitempty"`
}

// MatchDetails is the per-candidate scoring breakdown produced by
// CapabilityMatcher.ScoreDetails.
type MatchDetails struct {
	// Score is the total weighted score.
	Score float64 `json:"score"`

	// MatchedRequired are the required terms the candidate satisfied.
	MatchedRequired []string `json:"matchedRequired"`

	// MatchedPreferred are the preferred terms the candidate satisfied.
	MatchedPreferred []string `json:"matchedPreferred"`

	// MissingRequired are the required terms the candidate lacks. Non-empty
	// MissingRequired forces Score to zero.
	MissingRequired []string `json:"missingRequired"`

	// VersionSatisfied reports whether the candidate's highest capability
	// version met the query's MinVersion. True when no MinVersion was asked.
	VersionSatisfied bool `json:"versionSatisfied"`
}

// DiscoverySource labels where a DiscoveryResult's services came from.
const (
	// SourceLocal means only the local table contributed (no endpoints configured).
	SourceLocal = "local"
	// SourceRemote means remote endpoints were polled in addition to the local table.
	SourceRemote = "remote"
)

// DiscoveryResult is the outcome of one ServiceRegistry.Discover call.
// It always resolves: per-endpoint failures accumulate in Errors instead of
// aborting the call.
type DiscoveryResult struct {
	// Services holds every local service plus one RemoteService proxy for
	// each remote descriptor whose id is not already present locally.
	Services []Service `json:"-"`

	// Timestamp is when the discovery round completed.
	Timestamp time.Time `json:"timestamp"`

	// Source is SourceLocal when zero endpoints are configured, else SourceRemote.
	Source string `json:"source"`

	// Errors collects one entry per endpoint that could not be polled.
	Errors []string `json:"errors,omitempty"`
}

// Announcement is the self-advertisement payload a node POSTs to a
// discovery endpoint's registration path.
type Announcement struct {
	// ID is the stable service identifier.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// Type is the service type tag.
	Type string `json:"type"`

	// Capabilities are the advertised capabilities.
	Capabilities []Capability `json:"capabilities"`
}
