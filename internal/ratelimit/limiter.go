package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLStore is a counter store with per-key expiry. Incr bumps the
// counter for key, starting the window on first increment, and returns
// the count inside the current window.
type TTLStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limit caps an action at Max occurrences per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// ActionLimiter throttles named actions per identifier. All state lives
// in the injected store, so two limiters sharing a store (or two server
// replicas sharing Redis) enforce one combined budget.
type ActionLimiter struct {
	store  TTLStore
	limits map[string]Limit
}

// NewActionLimiter builds a limiter over the given store. Actions
// without a configured limit are always allowed.
func NewActionLimiter(store TTLStore, limits map[string]Limit) *ActionLimiter {
	return &ActionLimiter{store: store, limits: limits}
}

// Allow reports whether one more occurrence of action by identifier
// fits the configured budget. Counting is best-effort: a store error is
// returned so the caller can decide between failing open and closed.
func (l *ActionLimiter) Allow(ctx context.Context, action, identifier string) (bool, error) {
	limit, ok := l.limits[action]
	if !ok || limit.Max <= 0 {
		return true, nil
	}
	count, err := l.store.Incr(ctx, action+":"+identifier, limit.Window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	return count <= int64(limit.Max), nil
}

// memoryEntry is one counter with its window deadline.
type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryTTLStore is the in-process TTLStore. Counters reset on restart,
// which is acceptable for abuse throttling.
type MemoryTTLStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryTTLStore creates an empty in-process counter store.
func NewMemoryTTLStore() *MemoryTTLStore {
	return &MemoryTTLStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Incr bumps the counter, lazily expiring a finished window.
func (s *MemoryTTLStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = memoryEntry{expiresAt: now.Add(window)}
	}
	entry.count++
	s.entries[key] = entry

	// Opportunistic sweep so long-idle keys do not accumulate.
	if len(s.entries) > 4096 {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}
	return entry.count, nil
}

// RedisTTLStore backs the limiter with Redis, sharing budgets across
// server replicas.
type RedisTTLStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTTLStore wraps an existing Redis client. Keys are namespaced
// under prefix (default "harbor:rl").
func NewRedisTTLStore(client *redis.Client, prefix string) *RedisTTLStore {
	if prefix == "" {
		prefix = "harbor:rl"
	}
	return &RedisTTLStore{client: client, prefix: prefix}
}

// Incr bumps the counter and sets the window expiry on first increment.
func (s *RedisTTLStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := s.prefix + ":" + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.ExpireNX(ctx, full, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
