package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Server exposes the HTTP discovery contract so nodes can federate: it
// serves the local registry's services (plus any announced ones) to polling
// peers, answers per-service health probes, accepts registration
// announcements, and streams registry change events over a websocket.
type Server struct {
	registry *ServiceRegistry

	// announced holds descriptors learned via POST /register. Entries are
	// pruned once their TTL lapses without a re-announcement.
	announced   map[string]announcedEntry
	announcedMu sync.RWMutex

	config *ServerConfig
	logger *zap.Logger

	running bool
	stateMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

type announcedEntry struct {
	descriptor DiscoveredService
	expiresAt  time.Time
}

// ServerConfig holds configuration for the discovery server.
type ServerConfig struct {
	// AnnouncementTTL is how long an announced descriptor stays visible
	// without a re-announcement.
	AnnouncementTTL time.Duration `json:"announcement_ttl" yaml:"announcement_ttl"`

	// PruneInterval is the cadence of the expired-announcement sweep.
	PruneInterval time.Duration `json:"prune_interval" yaml:"prune_interval"`

	// HealthTimeout bounds the live health check behind
	// GET /discover/{id}/health for local services.
	HealthTimeout time.Duration `json:"health_timeout" yaml:"health_timeout"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		AnnouncementTTL: 90 * time.Second,
		PruneInterval:   30 * time.Second,
		HealthTimeout:   5 * time.Second,
	}
}

// NewServer creates a discovery server backed by the given registry.
func NewServer(registry *ServiceRegistry, config *ServerConfig, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.AnnouncementTTL <= 0 {
		config.AnnouncementTTL = 90 * time.Second
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = 30 * time.Second
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		registry:  registry,
		announced: make(map[string]announcedEntry),
		config:    config,
		logger:    logger.With(zap.String("component", "discovery_server")),
		done:      make(chan struct{}),
	}
}

// Start launches the background announcement pruner. Starting twice is a
// no-op.
func (s *Server) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.pruneLoop()

	s.logger.Info("discovery server started",
		zap.Duration("announcement_ttl", s.config.AnnouncementTTL),
	)
}

// Stop halts the pruner. Stopping a stopped server is a no-op.
func (s *Server) Stop() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.done)
	s.wg.Wait()

	s.logger.Info("discovery server stopped")
}

// Handler returns the discovery routes on a fresh mux:
//
//	GET  /discover              -> {"services":[...]} of local + announced
//	GET  /discover/{id}/health  -> Health for one service, 404 when unknown
//	POST /register              -> upsert an announced descriptor
//	GET  /watch                 -> websocket stream of registry ChangeEvents
//
// The caller owns middleware and listener wiring.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/discover", s.handleDiscover)
	mux.HandleFunc("/discover/", s.handleServiceHealth)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/watch", s.handleWatch)
	return mux
}

// handleDiscover handles GET /discover.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	statuses := s.registry.GetHealthStatus(r.Context())

	services := make([]DiscoveredService, 0)
	seen := make(map[string]bool)
	now := time.Now()

	for _, svc := range s.registry.ListServices() {
		health, ok := statuses[svc.ID()]
		if !ok {
			health = Health{Status: HealthOffline, LastCheck: now}
		}
		services = append(services, DiscoveredService{
			ID:           svc.ID(),
			Name:         svc.Name(),
			Type:         svc.Type(),
			Capabilities: svc.Capabilities(),
			Health:       health,
			DiscoveredAt: now,
			LastSeen:     now,
		})
		seen[svc.ID()] = true
	}

	s.announcedMu.RLock()
	for id, entry := range s.announced {
		if seen[id] || now.After(entry.expiresAt) {
			continue
		}
		services = append(services, entry.descriptor)
	}
	s.announcedMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

// handleServiceHealth handles GET /discover/{id}/health.
func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/discover/")
	id, ok := strings.CutSuffix(rest, "/health")
	id = strings.TrimSuffix(id, "/")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	// Local services get a live check; announced ones report last-known.
	if svc, err := s.registry.GetService(id); err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
		defer cancel()
		writeJSON(w, http.StatusOK, safeGetHealth(ctx, svc))
		return
	}

	s.announcedMu.RLock()
	entry, found := s.announced[id]
	s.announcedMu.RUnlock()

	if found && time.Now().Before(entry.expiresAt) {
		writeJSON(w, http.StatusOK, entry.descriptor.Health)
		return
	}

	writeError(w, http.StatusNotFound, "service not found")
}

// handleRegister handles POST /register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var announcement Announcement
	if err := json.NewDecoder(r.Body).Decode(&announcement); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if announcement.ID == "" {
		writeError(w, http.StatusBadRequest, "service id is required")
		return
	}

	now := time.Now()
	descriptor := normalizeDescriptor(descriptorPayload{
		ID:           announcement.ID,
		Name:         announcement.Name,
		Type:         announcement.Type,
		Capabilities: announcement.Capabilities,
		Health:       &Health{Status: HealthHealthy, LastCheck: now},
	}, "")

	s.announcedMu.Lock()
	if existing, ok := s.announced[announcement.ID]; ok {
		descriptor.DiscoveredAt = existing.descriptor.DiscoveredAt
	}
	s.announced[announcement.ID] = announcedEntry{
		descriptor: descriptor,
		expiresAt:  now.Add(s.config.AnnouncementTTL),
	}
	s.announcedMu.Unlock()

	s.logger.Debug("announcement accepted",
		zap.String("service_id", announcement.ID),
		zap.String("type", descriptor.Type),
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWatch handles GET /watch: it upgrades to a websocket and forwards
// registry change events as JSON text frames until the peer disconnects or
// the server stops.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	ctx := r.Context()
	events := make(chan ChangeEvent, 64)

	unsubscribe := s.registry.OnServiceChange(func(event ChangeEvent) {
		select {
		case events <- event:
		default:
			// A slow consumer drops events rather than stalling the
			// registry's synchronous fan-out.
		}
	})
	defer unsubscribe()

	s.logger.Debug("watch stream opened", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Debug("watch stream closed", zap.Error(err))
				return
			}
		}
	}
}

// pruneLoop sweeps expired announcements until Stop.
func (s *Server) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pruneAnnouncements()
		}
	}
}

// pruneAnnouncements removes announced descriptors past their TTL.
func (s *Server) pruneAnnouncements() {
	now := time.Now()

	s.announcedMu.Lock()
	for id, entry := range s.announced {
		if now.After(entry.expiresAt) {
			delete(s.announced, id)
			s.logger.Debug("announcement expired", zap.String("service_id", id))
		}
	}
	s.announcedMu.Unlock()
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
