package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a cached reply to a request that carried an
// Idempotency-Key. Replays get the original bytes back, so a retried
// checkout returns the already-created order instead of a second one.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store caches responses by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the in-process Store. Entries expire after their TTL
// and the least recently used entry is evicted when the store is full.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*storeEntry
	order     *list.List
	maxSize   int
	stopSweep chan struct{}
	sweepDone chan struct{}
}

type storeEntry struct {
	key       string
	response  *Response
	expiresAt time.Time
	element   *list.Element
}

const defaultMaxEntries = 10000

// NewMemoryStore creates a memory store holding up to maxSize entries.
// maxSize <= 0 falls back to the default of 10000.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = defaultMaxEntries
	}
	s := &MemoryStore{
		entries:   make(map[string]*storeEntry),
		order:     list.New(),
		maxSize:   maxSize,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Get returns the cached response for key, if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		s.remove(entry)
		return nil, false
	}
	s.order.MoveToFront(entry.element)
	return entry.response, true
}

// Set caches a response under key for ttl.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		entry.response = response
		entry.expiresAt = now.Add(ttl)
		s.order.MoveToFront(entry.element)
		return nil
	}

	// Evict before inserting so the map never exceeds maxSize.
	if len(s.entries) >= s.maxSize {
		if back := s.order.Back(); back != nil {
			s.remove(back.Value.(*storeEntry))
		}
	}

	entry := &storeEntry{key: key, response: response, expiresAt: now.Add(ttl)}
	entry.element = s.order.PushFront(entry)
	s.entries[key] = entry
	return nil
}

// Delete drops the cached response for key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		s.remove(entry)
	}
	return nil
}

// remove unlinks an entry. Caller holds the lock.
func (s *MemoryStore) remove(entry *storeEntry) {
	s.order.Remove(entry.element)
	delete(s.entries, entry.key)
}

// sweep drops expired entries so abandoned keys do not pin memory
// until eviction.
func (s *MemoryStore) sweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			var expired []*storeEntry
			for _, entry := range s.entries {
				if now.After(entry.expiresAt) {
					expired = append(expired, entry)
				}
			}
			for _, entry := range expired {
				s.remove(entry)
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return nil
}
