package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RemoteService is a read-only proxy around a descriptor learned from a
// discovery endpoint. It satisfies the same Service interface as a local
// service, but only GetHealth has remote behavior: every call issues a fresh
// HTTP request to the source endpoint's health path and is never cached.
// Initialize and Shutdown are no-ops because the remote node owns the
// service's life cycle.
type RemoteService struct {
	descriptor DiscoveredService
	endpoint   string
	client     *http.Client
	logger     *zap.Logger
}

// NewRemoteService wraps a discovered descriptor as a Service proxy. The
// endpoint is the discovery base URL the descriptor was learned from;
// healthTimeout bounds each GetHealth request (5s when zero).
func NewRemoteService(descriptor DiscoveredService, endpoint string, healthTimeout time.Duration, logger *zap.Logger) *RemoteService {
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RemoteService{
		descriptor: descriptor,
		endpoint:   strings.TrimRight(endpoint, "/"),
		client:     &http.Client{Timeout: healthTimeout},
		logger:     logger.With(zap.String("component", "remote_service")),
	}
}

// ID returns the remote service's stable identifier.
func (s *RemoteService) ID() string { return s.descriptor.ID }

// Name returns the remote service's display name.
func (s *RemoteService) Name() string { return s.descriptor.Name }

// Type returns the remote service's type tag.
func (s *RemoteService) Type() string { return s.descriptor.Type }

// Capabilities returns a copy of the capabilities from the cached descriptor.
func (s *RemoteService) Capabilities() []Capability {
	caps := make([]Capability, len(s.descriptor.Capabilities))
	copy(caps, s.descriptor.Capabilities)
	return caps
}

// Descriptor returns a copy of the cached descriptor this proxy wraps.
func (s *RemoteService) Descriptor() DiscoveredService {
	d := s.descriptor
	d.Capabilities = make([]Capability, len(s.descriptor.Capabilities))
	copy(d.Capabilities, s.descriptor.Capabilities)
	return d
}

// Endpoint returns the discovery endpoint this service was learned from.
func (s *RemoteService) Endpoint() string { return s.endpoint }

// GetHealth issues a fresh GET {endpoint}/{id}/health per call. Any network
// failure, non-200 status, or malformed body degrades to an offline report
// with the error recorded; it never propagates.
func (s *RemoteService) GetHealth(ctx context.Context) Health {
	url := s.endpoint + "/" + s.descriptor.ID + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return offlineHealth(fmt.Sprintf("failed to create health request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("remote health check failed",
			zap.String("service_id", s.descriptor.ID),
			zap.Error(err),
		)
		return offlineHealth(fmt.Sprintf("health check request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return offlineHealth(fmt.Sprintf("health check returned status %d", resp.StatusCode))
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return offlineHealth(fmt.Sprintf("failed to decode health response: %v", err))
	}

	if health.Status == "" {
		health.Status = HealthOffline
	}
	if health.LastCheck.IsZero() {
		health.LastCheck = time.Now()
	}

	return health
}

// Initialize is a no-op: the remote node owns initialization.
func (s *RemoteService) Initialize(ctx context.Context) error { return nil }

// Shutdown is a no-op: the remote node owns teardown.
func (s *RemoteService) Shutdown(ctx context.Context) error { return nil }

// offlineHealth builds a synthetic offline report carrying the error text.
func offlineHealth(msg string) Health {
	return Health{
		Status:    HealthOffline,
		LastCheck: time.Now(),
		Error:     msg,
	}
}

// discoveryUserAgent identifies this module's HTTP discovery client.
const discoveryUserAgent = "serviceflow-discovery/1.0"

// fetchDescriptors performs one GET against a discovery endpoint and returns
// the normalized descriptors it advertises. The endpoint may answer with a
// bare JSON array or a {"services":[...]} envelope; any other shape yields
// zero descriptors without an error. Transport failures and non-200 statuses
// are returned to the caller for per-endpoint accounting.
func fetchDescriptors(ctx context.Context, client *http.Client, endpoint string) ([]DiscoveredService, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", discoveryUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint %s returned status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery response from %s: %w", endpoint, err)
	}

	return parseDescriptors(body, endpoint), nil
}

// parseDescriptors decodes a discovery payload permissively. A bare array
// and a {"services":[...]} envelope are both accepted; anything else is
// treated as zero services rather than an error, so one misbehaving node
// cannot poison a whole poll cycle.
func parseDescriptors(body []byte, endpoint string) []DiscoveredService {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	var raw []descriptorPayload
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil
		}
	case '{':
		var envelope struct {
			Services []descriptorPayload `json:"services"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil
		}
		raw = envelope.Services
	default:
		return nil
	}

	services := make([]DiscoveredService, 0, len(raw))
	for _, p := range raw {
		if p.ID == "" {
			continue
		}
		services = append(services, normalizeDescriptor(p, endpoint))
	}
	return services
}

// descriptorPayload is the permissive wire shape of one descriptor. Every
// field except id is optional.
type descriptorPayload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []Capability      `json:"capabilities"`
	Health       *Health           `json:"health"`
	Metadata     map[string]string `json:"metadata"`
}

// normalizeDescriptor coerces a wire payload into the canonical
// DiscoveredService shape. Missing health defaults to offline-now, missing
// capabilities to an empty slice, missing name to the id, and missing type
// to "unknown". A payload omitting optional fields never fails discovery.
func normalizeDescriptor(p descriptorPayload, endpoint string) DiscoveredService {
	now := time.Now()

	d := DiscoveredService{
		ID:           p.ID,
		Name:         p.Name,
		Type:         p.Type,
		Endpoint:     p.Endpoint,
		Capabilities: p.Capabilities,
		Metadata:     p.Metadata,
		DiscoveredAt: now,
		LastSeen:     now,
	}

	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Type == "" {
		d.Type = "unknown"
	}
	if d.Endpoint == "" {
		d.Endpoint = endpoint
	}
	if d.Capabilities == nil {
		d.Capabilities = []Capability{}
	}

	if p.Health != nil {
		d.Health = *p.Health
		if d.Health.Status == "" {
			d.Health.Status = HealthOffline
		}
		if d.Health.LastCheck.IsZero() {
			d.Health.LastCheck = now
		}
	} else {
		d.Health = Health{Status: HealthOffline, LastCheck: now}
	}

	return d
}

// registrationPath derives the companion registration URL for a discovery
// endpoint by substituting "/discover" with "/register". An endpoint without
// a "/discover" segment is returned unchanged, so the announcement POST
// targets the endpoint itself.
func registrationPath(endpoint string) string {
	if strings.Contains(endpoint, "/discover") {
		return strings.Replace(endpoint, "/discover", "/register", 1)
	}
	return endpoint
}

// Ensure RemoteService implements Service.
var _ Service = (*RemoteService)(nil)
