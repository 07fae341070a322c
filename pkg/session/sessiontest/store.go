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
	defaultTimeout = 20 * time.Minute
	racers         = 8
)

// newStore builds a Store over a fresh backend with a controllable clock.
func newStore(t *testing.T, factory Factory, cfg session.Config) (*session.Store, *Clock) {
	t.Helper()
	clock := NewClock()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Now = clock.Now
	return session.New(open(t, factory), cfg), clock
}

// writeSession stores items as a fresh, unlocked session.
func writeSession(t *testing.T, s *session.Store, id string, items session.Items) {
	t.Helper()
	data := &session.Data{Items: items, Timeout: defaultTimeout}
	require.NoError(t, s.WriteAndRelease(context.Background(), testNamespace, id, data, 0, true))
}

// RunStore runs the locking and lifecycle protocol tests against a backend.
func RunStore(t *testing.T, factory Factory) {
	t.Run("ReadMissing", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		for _, exclusive := range []bool{false, true} {
			res, err := s.Read(context.Background(), testNamespace, "nope", exclusive)
			require.NoError(t, err)
			assert.Nil(t, res.Data)
			assert.False(t, res.Locked)
		}
	})

	t.Run("EmptyID", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		_, err := s.Get(context.Background(), testNamespace, "")
		assert.ErrorIs(t, err, session.ErrEmptyID)
		assert.ErrorIs(t, s.RefreshTimeout(context.Background(), testNamespace, ""), session.ErrEmptyID)
	})

	t.Run("PlaceholderExclusiveRead", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, "abc", 20))

		res, err := s.GetExclusive(ctx, testNamespace, "abc")
		require.NoError(t, err)
		assert.False(t, res.Locked)
		assert.Equal(t, session.ActionInitializeItem, res.Action)
		require.NotNil(t, res.Data)
		assert.Empty(t, res.Data.Items)
		assert.Equal(t, 20*time.Minute, res.Data.Timeout)
		assert.Equal(t, int64(1), res.LockID)

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: "abc"})
		require.NoError(t, err)
		assert.True(t, rec.Locked)
		assert.Equal(t, session.ActionNone, rec.Action, "stored action is cleared by the lock")
	})

	t.Run("PlaceholderSharedRead", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, testID, 20))

		res, err := s.Get(ctx, testNamespace, testID)
		require.NoError(t, err)
		require.NotNil(t, res.Data)
		assert.NotNil(t, res.Data.Items)
		assert.Empty(t, res.Data.Items)
		assert.Equal(t, defaultTimeout, res.Data.Timeout)
		assert.Equal(t, session.ActionInitializeItem, res.Action)
		assert.False(t, res.Locked)
	})

	t.Run("PlaceholderGraceWindow", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{})
		ctx := context.Background()
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, testID, 20))

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.WithinDuration(t, clock.Now().Add(1400*time.Minute), rec.Expires, timePrecision)
		assert.Equal(t, 20, rec.Timeout)
		assert.Equal(t, int64(0), rec.LockID)
		assert.False(t, rec.Locked)
	})

	t.Run("PlaceholderTimeoutExpiry", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{UninitializedExpiry: session.ExpiryTimeout})
		ctx := context.Background()
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, testID, 5))

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.WithinDuration(t, clock.Now().Add(5*time.Minute), rec.Expires, timePrecision)
	})

	t.Run("ExclusiveLockIsExclusive", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{"k": "v"})

		first, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)
		assert.False(t, first.Locked)
		require.NotNil(t, first.Data)
		assert.Equal(t, "v", first.Data.Items["k"])

		clock.Advance(3 * time.Second)
		for _, exclusive := range []bool{true, false} {
			second, err := s.Read(ctx, testNamespace, testID, exclusive)
			require.NoError(t, err)
			assert.True(t, second.Locked)
			assert.Nil(t, second.Data)
			assert.Equal(t, first.LockID, second.LockID)
			assert.Equal(t, 3*time.Second, second.LockAge)
		}
	})

	t.Run("ConcurrentExclusiveReads", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, "abc", 20))

		results := make([]session.ReadResult, racers)
		errs := make([]error, racers)
		var wg sync.WaitGroup
		for i := range racers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.GetExclusive(ctx, testNamespace, "abc")
			}(i)
		}
		wg.Wait()

		winners := 0
		var issued int64
		for i, res := range results {
			require.NoError(t, errs[i])
			if !res.Locked {
				winners++
				issued = res.LockID
			}
		}
		require.Equal(t, 1, winners, "exactly one exclusive read acquires the lock")
		for _, res := range results {
			if res.Locked {
				assert.GreaterOrEqual(t, res.LockAge, time.Duration(0))
				assert.Equal(t, issued, res.LockID)
			}
		}
	})

	t.Run("LockIDIncreases", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{})

		var last int64
		for range 4 {
			res, err := s.GetExclusive(ctx, testNamespace, testID)
			require.NoError(t, err)
			require.False(t, res.Locked)
			assert.Greater(t, res.LockID, last)
			last = res.LockID
			require.NoError(t, s.ReleaseExclusive(ctx, testNamespace, testID, res.LockID))
		}
	})

	t.Run("ExpiredRecordIsReaped", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{"k": "v"})

		clock.Advance(defaultTimeout + time.Second)

		res, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)
		assert.Nil(t, res.Data)
		assert.False(t, res.Locked)

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.Nil(t, rec, "expired record is deleted on read")

		res, err = s.Get(ctx, testNamespace, testID)
		require.NoError(t, err)
		assert.Nil(t, res.Data)
	})

	t.Run("ReleaseExtendsExpiry", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{})

		res, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)

		clock.Advance(15 * time.Minute)
		require.NoError(t, s.ReleaseExclusive(ctx, testNamespace, testID, res.LockID))

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.False(t, rec.Locked)
		assert.Equal(t, res.LockID, rec.LockID, "release keeps the lock id")
		assert.WithinDuration(t, clock.Now().Add(defaultTimeout), rec.Expires, timePrecision)
	})

	t.Run("StaleLockIDIsNoop", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, "abc", session.Items{"k": "prior"})

		// Two acquisitions leave the stored lock id at 2.
		res, err := s.GetExclusive(ctx, testNamespace, "abc")
		require.NoError(t, err)
		require.NoError(t, s.ReleaseExclusive(ctx, testNamespace, "abc", res.LockID))
		res, err = s.GetExclusive(ctx, testNamespace, "abc")
		require.NoError(t, err)
		require.Equal(t, int64(2), res.LockID)
		require.NoError(t, s.ReleaseExclusive(ctx, testNamespace, "abc", res.LockID))

		data := &session.Data{Items: session.Items{"k": "overwritten"}, Timeout: defaultTimeout}
		require.NoError(t, s.WriteAndRelease(ctx, testNamespace, "abc", data, 1, false))
		require.NoError(t, s.ReleaseExclusive(ctx, testNamespace, "abc", 1))
		require.NoError(t, s.Remove(ctx, testNamespace, "abc", 1))

		got, err := s.Get(ctx, testNamespace, "abc")
		require.NoError(t, err)
		require.NotNil(t, got.Data)
		assert.Equal(t, "prior", got.Data.Items["k"])
		assert.False(t, got.Locked)
		assert.Equal(t, int64(2), got.LockID)
	})

	t.Run("WriteRoundTrip", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{})

		res, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)

		items := session.Items{"name": "ada", "visits": float64(3), "admin": true}
		data := &session.Data{Items: items, Timeout: defaultTimeout}
		require.NoError(t, s.WriteAndRelease(ctx, testNamespace, testID, data, res.LockID, false))

		got, err := s.Get(ctx, testNamespace, testID)
		require.NoError(t, err)
		require.NotNil(t, got.Data)
		assert.Equal(t, items, got.Data.Items)
		assert.False(t, got.Locked)

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.Equal(t, 3, rec.ItemCount)
	})

	t.Run("NewItemReplacesPlaceholder", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{})
		ctx := context.Background()
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, testID, 20))
		res, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)

		data := &session.Data{Items: session.Items{"k": "v"}, Timeout: 30 * time.Minute}
		require.NoError(t, s.WriteAndRelease(ctx, testNamespace, testID, data, res.LockID, true))

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.False(t, rec.Locked)
		assert.Equal(t, int64(0), rec.LockID)
		assert.Equal(t, session.ActionNone, rec.Action)
		assert.Equal(t, 30, rec.Timeout)
		assert.Equal(t, 1, rec.ItemCount)
		assert.WithinDuration(t, clock.Now().Add(30*time.Minute), rec.Expires, timePrecision)
	})

	t.Run("RemoveWithCurrentLockID", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{})

		res, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, testNamespace, testID, res.LockID))

		got, err := s.Get(ctx, testNamespace, testID)
		require.NoError(t, err)
		assert.Nil(t, got.Data)
	})

	t.Run("RefreshTimeoutIgnoresLock", func(t *testing.T) {
		s, clock := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{})
		_, err := s.GetExclusive(ctx, testNamespace, testID)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		require.NoError(t, s.RefreshTimeout(ctx, testNamespace, testID))

		rec, err := s.Backend().Find(ctx, session.Key{Namespace: testNamespace, ID: testID})
		require.NoError(t, err)
		assert.True(t, rec.Locked)
		assert.WithinDuration(t, clock.Now().Add(defaultTimeout), rec.Expires, timePrecision)
	})

	t.Run("ReplaceMode", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{Recreate: session.RecreateReplace})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{"k": "old"})
		require.NoError(t, s.CreateUninitialized(ctx, testNamespace, testID, 20))

		res, err := s.Get(ctx, testNamespace, testID)
		require.NoError(t, err)
		assert.Equal(t, session.ActionInitializeItem, res.Action)
		assert.Empty(t, res.Data.Items)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		s, _ := newStore(t, factory, session.Config{})
		ctx := context.Background()
		writeSession(t, s, testID, session.Items{"k": "v"})

		res, err := s.GetExclusive(ctx, otherNS, testID)
		require.NoError(t, err)
		assert.Nil(t, res.Data)
		assert.False(t, res.Locked)
	})
}
