package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryBackend implements Backend using an in-memory map. It is meant for
// single-process deployments and tests; records are not shared across processes.
// Keys are unique, so a racing Insert overwrites instead of duplicating.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[Key]*Record),
	}
}

// Find returns a copy of the record for key. Returns nil, nil if not found.
func (b *MemoryBackend) Find(_ context.Context, key Key) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[key]
	if !ok {
		return nil, nil //nolint:nilnil // Backend interface specifies nil,nil for not-found
	}
	return cloneRecord(rec), nil
}

// Insert stores a copy of r.
func (b *MemoryBackend) Insert(_ context.Context, r *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[Key{Namespace: r.Namespace, ID: r.ID}] = cloneRecord(r)
	return nil
}

// Replace stores a copy of r, overwriting any record with the same key.
func (b *MemoryBackend) Replace(ctx context.Context, r *Record) error {
	return b.Insert(ctx, r)
}

// Update applies u to the record matching f.
func (b *MemoryBackend) Update(_ context.Context, f Filter, u Update) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[f.Key()]
	if !ok || !f.Matches(rec) {
		return false, nil
	}
	u.Apply(rec)
	if u.Items != nil {
		rec.Items = slices.Clone(rec.Items)
	}
	return true, nil
}

// Delete removes the record matching f.
func (b *MemoryBackend) Delete(_ context.Context, f Filter) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := f.Key()
	rec, ok := b.records[key]
	if !ok || !f.Matches(rec) {
		return false, nil
	}
	delete(b.records, key)
	return true, nil
}

// DeleteExpired removes records whose expiry is before now.
func (b *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for key, rec := range b.records {
		if now.After(rec.Expires) {
			delete(b.records, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Close is a no-op.
func (*MemoryBackend) Close() error {
	return nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Items = slices.Clone(r.Items)
	return &c
}

// Verify interface compliance.
var (
	_ Backend = (*MemoryBackend)(nil)
	_ Reaper  = (*MemoryBackend)(nil)
)
