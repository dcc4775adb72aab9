package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotStore persists the last completed poll of a ServiceDiscovery so a
// restarted watcher diffs against the previous world instead of emitting an
// "added" storm. Snapshots are TTL-ephemeral shared state, never a system of
// record: a cold start with an empty store is fully supported.
type SnapshotStore interface {
	// Save replaces the snapshot stored under key.
	Save(ctx context.Context, key string, services map[string]DiscoveredService) error

	// Load returns the snapshot stored under key, or ErrSnapshotNotFound.
	Load(ctx context.Context, key string) (map[string]DiscoveredService, error)

	// Delete removes the snapshot stored under key.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}

// MemorySnapshotStore is a SnapshotStore backed by an in-process map with
// per-entry expiry. It is the default when no Redis address is configured.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	entries map[string]memorySnapshot
	ttl     time.Duration
	closed  bool
}

type memorySnapshot struct {
	services  map[string]DiscoveredService
	expiresAt time.Time
}

// NewMemorySnapshotStore creates an in-memory snapshot store. A zero ttl
// means entries never expire.
func NewMemorySnapshotStore(ttl time.Duration) *MemorySnapshotStore {
	return &MemorySnapshotStore{
		entries: make(map[string]memorySnapshot),
		ttl:     ttl,
	}
}

func (s *MemorySnapshotStore) Save(_ context.Context, key string, services map[string]DiscoveredService) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	entry := memorySnapshot{services: copySnapshot(services)}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemorySnapshotStore) Load(_ context.Context, key string) (map[string]DiscoveredService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, ErrSnapshotNotFound
	}
	return copySnapshot(entry.services), nil
}

func (s *MemorySnapshotStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.entries, key)
	return nil
}

func (s *MemorySnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

// RedisSnapshotStore is a SnapshotStore backed by Redis with a TTL on every
// snapshot, so stale snapshots age out a few refresh intervals after the
// watcher that produced them stops.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// RedisSnapshotConfig holds configuration for the Redis snapshot store.
type RedisSnapshotConfig struct {
	// Addr is the Redis server address.
	Addr string `json:"addr" yaml:"addr"`

	// Password is the optional Redis password.
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `json:"db" yaml:"db"`

	// TTL is the snapshot expiry. Defaults to 2 minutes when zero.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// KeyPrefix namespaces snapshot keys. Defaults to "serviceflow:snapshot:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisSnapshotStore creates a Redis-backed snapshot store and verifies
// connectivity with a ping.
func NewRedisSnapshotStore(ctx context.Context, cfg RedisSnapshotConfig, logger *zap.Logger) (*RedisSnapshotStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "serviceflow:snapshot:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisSnapshotStore{
		client: client,
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "redis_snapshot_store")),
	}, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, key string, services map[string]DiscoveredService) error {
	data, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}

	s.logger.Debug("snapshot saved",
		zap.String("key", key),
		zap.Int("services", len(services)),
	)
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context, key string) (map[string]DiscoveredService, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}

	var services map[string]DiscoveredService
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", key, err)
	}
	return services, nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}

// copySnapshot deep-copies one id-to-descriptor map.
func copySnapshot(services map[string]DiscoveredService) map[string]DiscoveredService {
	out := make(map[string]DiscoveredService, len(services))
	for id, d := range services {
		caps := make([]Capability, len(d.Capabilities))
		copy(caps, d.Capabilities)
		d.Capabilities = caps
		out[id] = d
	}
	return out
}

// Ensure both stores implement SnapshotStore.
var (
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
	_ SnapshotStore = (*RedisSnapshotStore)(nil)
)
