// Package sessiontest provides conformance tests shared by session.Backend
// implementations and a controllable clock for driving session expiry.
package sessiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/sessionstate/pkg/session"
)

const (
	testNamespace = "/app"
	otherNS       = "/other"
	testID        = "sess-1"

	// timePrecision absorbs timestamp truncation by the database.
	timePrecision = time.Millisecond
)

// Factory returns an empty backend for one test. The backend is closed by the suite.
type Factory func(t *testing.T) session.Backend

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at the current wall time.
func NewClock() *Clock {
	return &Clock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewRecord returns an unlocked record for (ns, id) expiring in an hour.
func NewRecord(ns, id string, now time.Time) *session.Record {
	return &session.Record{
		Namespace: ns,
		ID:        id,
		Created:   now,
		Expires:   now.Add(time.Hour),
		LockDate:  now,
		LockID:    3,
		Action:    session.ActionNone,
		Items:     []byte(`{"version":1}`),
		ItemCount: 0,
		Timeout:   20,
	}
}

// RequireRecordEqual compares two records with database timestamp precision.
func RequireRecordEqual(t *testing.T, want, got *session.Record) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Namespace, got.Namespace)
	assert.Equal(t, want.ID, got.ID)
	assert.WithinDuration(t, want.Created, got.Created, timePrecision)
	assert.WithinDuration(t, want.Expires, got.Expires, timePrecision)
	assert.Equal(t, want.Locked, got.Locked)
	assert.WithinDuration(t, want.LockDate, got.LockDate, timePrecision)
	assert.Equal(t, want.LockID, got.LockID)
	assert.Equal(t, want.Action, got.Action)
	assert.Equal(t, string(want.Items), string(got.Items))
	assert.Equal(t, want.ItemCount, got.ItemCount)
	assert.Equal(t, want.Timeout, got.Timeout)
}

func open(t *testing.T, factory Factory) session.Backend {
	t.Helper()
	b := factory(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func lockID(v int64) *int64 {
	return &v
}

// RunBackend runs the Backend conformance tests.
func RunBackend(t *testing.T, factory Factory) {
	t.Run("FindMissing", func(t *testing.T) {
		b := open(t, factory)
		got, err := b.Find(context.Background(), session.Key{Namespace: testNamespace, ID: "nope"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("InsertAndFind", func(t *testing.T) {
		b := open(t, factory)
		ctx := context.Background()
		rec := NewRecord(testNamespace, testID, time.Now().UTC())
		require.NoError(t, b.Insert(ctx, rec))

		got, err := b.Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		RequireRecordEqual(t, rec, got)
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		b := open(t, factory)
		ctx := context.Background()
		require.NoError(t, b.Insert(ctx, NewRecord(testNamespace, testID, time.Now().UTC())))

		got, err := b.Find(ctx, session.Key{Namespace: otherNS, ID: testID})
		require.NoError(t, err)
		assert.Nil(t, got)

		ok, err := b.Delete(ctx, session.Filter{Namespace: otherNS, ID: testID})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UpdateMatchesLockID", func(t *testing.T) {
		b := open(t, factory)
		ctx := context.Background()
		now := time.Now().UTC()
		rec := NewRecord(testNamespace, testID, now)
		require.NoError(t, b.Insert(ctx, rec))

		locked := true
		ok, err := b.Update(ctx,
			session.Filter{Namespace: testNamespace, ID: testID, LockID: lockID(2)},
			session.Update{Locked: &locked})
		require.NoError(t, err)
		assert.False(t, ok, "stale lock id must not match")

		got, err := b.Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.False(t, got.Locked)

		newLockID := int64(4)
		lockDate := now.Add(time.Minute)
		payload := []byte(`{"version":1,"items":{"a":1}}`)
		count := 1
		ok, err = b.Update(ctx,
			session.Filter{Namespace: testNamespace, ID: testID, LockID: lockID(3)},
			session.Update{Locked: &locked, LockID: &newLockID, LockDate: &lockDate, Items: &payload, ItemCount: &count})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err = b.Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.True(t, got.Locked)
		assert.Equal(t, int64(4), got.LockID)
		assert.WithinDuration(t, lockDate, got.LockDate, timePrecision)
		assert.Equal(t, string(payload), string(got.Items))
		assert.Equal(t, 1, got.ItemCount)
		assert.WithinDuration(t, rec.Expires, got.Expires, timePrecision, "unset fields stay untouched")
	})

	t.Run("UpdateRequiresUnlocked", func(t *testing.T) {
		b := open(t, factory)
		ctx := context.Background()
		rec := NewRecord(testNamespace, testID, time.Now().UTC())
		rec.Locked = true
		require.NoError(t, b.Insert(ctx, rec))

		action := session.ActionNone
		ok, err := b.Update(ctx,
			session.Filter{Namespace: testNamespace, ID: testID, LockID: lockID(3), Unlocked: true},
			session.Update{Action: &action})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		b := open(t, factory)
		expires := time.Now().UTC()
		ok, err := b.Update(context.Background(),
			session.Filter{Namespace: testNamespace, ID: "nope"},
			session.Update{Expires: &expires})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteMatchesLockID", func(t *testing.T) {
		b := open(t, factory)
		ctx := context.Background()
		require.NoError(t, b.Insert(ctx, NewRecord(testNamespace, testID, time.Now().UTC())))

		ok, err := b.Delete(ctx, session.Filter{Namespace: testNamespace, ID: testID, LockID: lockID(1)})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Delete(ctx, session.Filter{Namespace: testNamespace, ID: testID, LockID: lockID(3)})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := b.Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ReplaceOverwrites", func(t *testing.T) {
		b := open(t, factory)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, b.Insert(ctx, NewRecord(testNamespace, testID, now)))

		rec := NewRecord(testNamespace, testID, now.Add(time.Minute))
		rec.LockID = 0
		rec.Action = session.ActionInitializeItem
		rec.Items = []byte{}
		require.NoError(t, b.Replace(ctx, rec))

		got, err := b.Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		RequireRecordEqual(t, rec, got)

		require.NoError(t, b.Replace(ctx, NewRecord(testNamespace, "fresh", now)))
		got, err = b.Find(ctx, session.Key{Namespace: testNamespace, ID: "fresh"})
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		b := open(t, factory)
		r, ok := b.(session.Reaper)
		if !ok {
			t.Skip("backend does not implement session.Reaper")
		}
		ctx := context.Background()
		now := time.Now().UTC()

		stale := NewRecord(testNamespace, "stale", now.Add(-2*time.Hour))
		require.NoError(t, b.Insert(ctx, stale))
		require.NoError(t, b.Insert(ctx, NewRecord(testNamespace, testID, now)))

		n, err := r.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := b.Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}
