package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logging"
)

type memoryEntry struct {
	resp      *CachedResponse
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryStore is the in-process cache backend. Expired entries are dropped
// lazily on lookup and swept in the background; when the entry cap is
// reached, the oldest entry is evicted to admit the new one.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	ttl        time.Duration
	maxEntries int

	logger  *logging.Logger
	nowFunc func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMemoryStore builds the cache and starts its sweeper.
func NewMemoryStore(cfg config.DedupConfig, logger *logging.Logger) *MemoryStore {
	if logger == nil {
		logger = logging.GetLogger()
	}

	s := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
		nowFunc:    time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	sweepEvery := cfg.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	go s.sweepLoop(sweepEvery)

	return s
}

// Lookup returns the cached response for a fingerprint, expiring it in place
// if its TTL has passed.
func (s *MemoryStore) Lookup(_ context.Context, fingerprint string) (*CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if s.nowFunc().After(entry.expiresAt) {
		delete(s.entries, fingerprint)
		return nil, false, nil
	}
	return entry.resp, true, nil
}

// Store caches a response under its fingerprint, evicting the oldest entry
// when the cache is full.
func (s *MemoryStore) Store(_ context.Context, fingerprint string, resp *CachedResponse) error {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[fingerprint]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}

	s.entries[fingerprint] = &memoryEntry{
		resp:      resp,
		storedAt:  now,
		expiresAt: now.Add(s.ttl),
	}
	return nil
}

// Len reports the number of live entries, counting expired ones that have
// not been collected yet.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
	return nil
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.nowFunc()

	s.mu.Lock()
	removed := 0
	for fp, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, fp)
			removed++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.WithFields(logging.Fields{
			"removed":   removed,
			"remaining": remaining,
		}).Debug("Swept expired dedup entries")
	}
}

// evictOldestLocked removes the entry with the earliest store time. Caller
// holds s.mu.
func (s *MemoryStore) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for fp, entry := range s.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = fp
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
