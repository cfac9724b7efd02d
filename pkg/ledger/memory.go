package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps events in process memory. Suitable for tests and
// single-process deployments without durability requirements.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string][]Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string][]Event)}
}

func (m *MemoryStore) Insert(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[e.Partition] = append(m.partitions[e.Partition], e)
	return nil
}

func (m *MemoryStore) Head(_ context.Context, partition string) (Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.partitions[partition]
	if len(events) == 0 {
		return Event{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	var out []Event
	for partition, events := range m.partitions {
		if f.Partition != "" && partition != f.Partition {
			continue
		}
		for _, e := range events {
			if e.Sequence <= f.After {
				continue
			}
			if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
				continue
			}
			if ids != nil && !ids[e.ID] {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Sequence < out[j].Sequence
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Partition(_ context.Context, partition string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.partitions[partition]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemoryStore) Partitions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.partitions))
	for p := range m.partitions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, events := range m.partitions {
		n += int64(len(events))
	}
	return n, nil
}

// Tamper mutates a stored event in place. Test helper for chain-integrity
// checks; real stores have no mutation path.
func (m *MemoryStore) Tamper(partition string, seq uint64, mutate func(*Event)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.partitions[partition]
	for i := range events {
		if events[i].Sequence == seq {
			mutate(&events[i])
			return true
		}
	}
	return false
}
