package database

import (
	"context"
	"sync"
)

const DefaultMemoryLimit = 1000

// MemoryStore keeps the most recent records of each kind. Older entries are
// evicted once the limit is reached.
type MemoryStore struct {
	mu        sync.RWMutex
	limit     int
	snapshots []StatusSnapshot
	captures  []CaptureRecord
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{limit: limit}
}

func appendBounded[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if len(items) > limit {
		items = append(items[:0], items[len(items)-limit:]...)
	}
	return items
}

func newestFirst[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

func (ms *MemoryStore) SaveSnapshot(_ context.Context, snapshot *StatusSnapshot) error {
	if snapshot == nil {
		return ErrEmptyRecord
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.snapshots = appendBounded(ms.snapshots, *snapshot, ms.limit)
	return nil
}

func (ms *MemoryStore) RecentSnapshots(_ context.Context, limit int) ([]StatusSnapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return newestFirst(ms.snapshots, limit), nil
}

func (ms *MemoryStore) SaveCapture(_ context.Context, record *CaptureRecord) error {
	if record == nil {
		return ErrEmptyRecord
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.captures = appendBounded(ms.captures, *record, ms.limit)
	return nil
}

func (ms *MemoryStore) RecentCaptures(_ context.Context, limit int) ([]CaptureRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return newestFirst(ms.captures, limit), nil
}

var _ Store = (*MemoryStore)(nil)
