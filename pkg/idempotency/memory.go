package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL expiry. Reservation atomicity
// comes from a single mutex; waiters block on a per-key channel closed when
// the winner settles the record.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	clock   func() time.Time
	done    chan struct{}
}

type memoryEntry struct {
	rec     Record
	settled chan struct{} // closed when status leaves pending
}

// NewMemoryStore creates a store; ttl <= 0 uses DefaultTTL. A background
// sweeper removes expired entries until Close is called.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() {
	close(s.done)
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.clock()
			for k, e := range s.entries {
				if now.Sub(e.rec.UpdatedAt) > s.ttl {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) expired(e *memoryEntry) bool {
	return s.clock().Sub(e.rec.UpdatedAt) > s.ttl
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (bool, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && !s.expired(e) && e.rec.Status != StatusFailed {
		return false, e.rec, nil
	}

	now := s.clock()
	e = &memoryEntry{
		rec: Record{
			Key:         key,
			Status:      StatusPending,
			FirstSeenAt: now,
			UpdatedAt:   now,
		},
		settled: make(chan struct{}),
	}
	s.entries[key] = e
	return true, e.rec, nil
}

func (s *MemoryStore) settle(key string, status Status, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrUnknownKey
	}
	e.rec.Status = status
	e.rec.Result = result
	e.rec.UpdatedAt = s.clock()
	select {
	case <-e.settled:
		// already closed by an earlier settle
	default:
		close(e.settled)
	}
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result []byte) error {
	return s.settle(key, StatusCompleted, result)
}

func (s *MemoryStore) Fail(_ context.Context, key string, result []byte) error {
	return s.settle(key, StatusFailed, result)
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

func (s *MemoryStore) Await(ctx context.Context, key string) (Record, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return Record{}, ErrUnknownKey
	}

	select {
	case <-e.settled:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.rec, nil
}
