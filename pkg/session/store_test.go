package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	storeTestNS   = "/app"
	storeTestID   = "sess-1"
	storeTestSpan = 20 * time.Minute
)

var errBackendDown = errors.New("connection refused")

// stubBackend lets tests script backend responses call by call.
type stubBackend struct {
	find    func(Key) (*Record, error)
	insert  func(*Record) error
	replace func(*Record) error
	update  func(Filter, Update) (bool, error)
	delete  func(Filter) (bool, error)

	calls []string
}

func (b *stubBackend) Find(_ context.Context, key Key) (*Record, error) {
	b.calls = append(b.calls, "find")
	if b.find == nil {
		return nil, nil //nolint:nilnil // not found
	}
	return b.find(key)
}

func (b *stubBackend) Insert(_ context.Context, r *Record) error {
	b.calls = append(b.calls, "insert")
	if b.insert == nil {
		return nil
	}
	return b.insert(r)
}

func (b *stubBackend) Replace(_ context.Context, r *Record) error {
	b.calls = append(b.calls, "replace")
	if b.replace == nil {
		return nil
	}
	return b.replace(r)
}

func (b *stubBackend) Update(_ context.Context, f Filter, u Update) (bool, error) {
	b.calls = append(b.calls, "update")
	if b.update == nil {
		return true, nil
	}
	return b.update(f, u)
}

func (b *stubBackend) Delete(_ context.Context, f Filter) (bool, error) {
	b.calls = append(b.calls, "delete")
	if b.delete == nil {
		return true, nil
	}
	return b.delete(f)
}

func (*stubBackend) Close() error { return nil }

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func activeRecord() *Record {
	now := fixedNow()
	return &Record{
		Namespace: storeTestNS,
		ID:        storeTestID,
		Created:   now.Add(-time.Minute),
		Expires:   now.Add(storeTestSpan),
		LockDate:  now.Add(-time.Minute),
		LockID:    7,
		Items:     []byte{},
		Timeout:   20,
	}
}

func newStubStore(b *stubBackend) *Store {
	return New(b, Config{Timeout: storeTestSpan, Now: fixedNow})
}

func TestNew_Defaults(t *testing.T) {
	s := New(&stubBackend{}, Config{})
	assert.Equal(t, defaultTimeout, s.cfg.Timeout)
	assert.Equal(t, RecreateDeleteInsert, s.cfg.Recreate)
	assert.Equal(t, ExpiryGrace, s.cfg.UninitializedExpiry)
	assert.Equal(t, defaultUninitializedGrace, s.cfg.UninitializedGrace)
	assert.Equal(t, defaultAcquireAttempts, s.cfg.AcquireAttempts)
	assert.IsType(t, JSONCodec{}, s.cfg.Codec)
	assert.NotNil(t, s.logger)
}

func TestRead_AcquireGuardsOnObservedLockID(t *testing.T) {
	var gotFilter Filter
	var gotUpdate Update
	b := &stubBackend{
		find: func(Key) (*Record, error) { return activeRecord(), nil },
		update: func(f Filter, u Update) (bool, error) {
			gotFilter, gotUpdate = f, u
			return true, nil
		},
	}

	res, err := newStubStore(b).GetExclusive(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.LockID)

	require.NotNil(t, gotFilter.LockID)
	assert.Equal(t, int64(7), *gotFilter.LockID)
	assert.True(t, gotFilter.Unlocked)
	assert.Equal(t, int64(8), *gotUpdate.LockID)
	assert.True(t, *gotUpdate.Locked)
	assert.Equal(t, fixedNow(), *gotUpdate.LockDate)
	assert.Equal(t, ActionNone, *gotUpdate.Action)
	assert.Nil(t, gotUpdate.Expires)
}

func TestRead_LostRaceReportsWinner(t *testing.T) {
	reads := 0
	b := &stubBackend{
		find: func(Key) (*Record, error) {
			reads++
			rec := activeRecord()
			if reads > 1 {
				rec.Locked = true
				rec.LockID = 8
			}
			return rec, nil
		},
		update: func(Filter, Update) (bool, error) { return false, nil },
	}

	res, err := newStubStore(b).GetExclusive(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, int64(8), res.LockID)
	assert.Equal(t, time.Minute, res.LockAge)
	assert.Equal(t, []string{"find", "update", "find"}, b.calls)
}

func TestRead_ContendedGivesUpAfterAttempts(t *testing.T) {
	b := &stubBackend{
		find:   func(Key) (*Record, error) { return activeRecord(), nil },
		update: func(Filter, Update) (bool, error) { return false, nil },
	}

	s := New(b, Config{Now: fixedNow, AcquireAttempts: 2})
	res, err := s.GetExclusive(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Nil(t, res.Data)
	assert.Equal(t, int64(7), res.LockID)
	assert.Equal(t, time.Duration(0), res.LockAge, "an unlocked record has no lock age")
	assert.Equal(t, []string{"find", "update", "find", "update", "find"}, b.calls)
}

func TestRead_ContendedReportsCurrentHolder(t *testing.T) {
	reads := 0
	b := &stubBackend{
		find: func(Key) (*Record, error) {
			reads++
			rec := activeRecord()
			rec.LockID += int64(reads)
			if reads == 3 {
				rec.Locked = true
				rec.LockDate = fixedNow().Add(-30 * time.Second)
			}
			return rec, nil
		},
		update: func(Filter, Update) (bool, error) { return false, nil },
	}

	s := New(b, Config{Now: fixedNow, AcquireAttempts: 2})
	res, err := s.GetExclusive(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, int64(10), res.LockID, "reports the holder's token, not the one observed before acquiring")
	assert.Equal(t, 30*time.Second, res.LockAge)
}

func TestRead_ContendedRecordVanishes(t *testing.T) {
	reads := 0
	b := &stubBackend{
		find: func(Key) (*Record, error) {
			reads++
			if reads > 2 {
				return nil, nil //nolint:nilnil // removed by another request
			}
			return activeRecord(), nil
		},
		update: func(Filter, Update) (bool, error) { return false, nil },
	}

	s := New(b, Config{Now: fixedNow, AcquireAttempts: 2})
	res, err := s.GetExclusive(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.False(t, res.Locked)
	assert.Nil(t, res.Data)
}

func TestRead_ContendedFindError(t *testing.T) {
	reads := 0
	b := &stubBackend{
		find: func(Key) (*Record, error) {
			reads++
			if reads > 1 {
				return nil, errBackendDown
			}
			return activeRecord(), nil
		},
		update: func(Filter, Update) (bool, error) { return false, nil },
	}

	s := New(b, Config{Now: fixedNow, AcquireAttempts: 1})
	_, err := s.GetExclusive(context.Background(), storeTestNS, storeTestID)
	require.ErrorIs(t, err, errBackendDown)
	assert.Contains(t, err.Error(), "finding session")
}

func TestRead_LockAgeNeverNegative(t *testing.T) {
	b := &stubBackend{
		find: func(Key) (*Record, error) {
			rec := activeRecord()
			rec.Locked = true
			rec.LockDate = fixedNow().Add(time.Second)
			return rec, nil
		},
	}

	res, err := newStubStore(b).Get(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, time.Duration(0), res.LockAge)
}

func TestRead_ExpiresExactlyNowIsLive(t *testing.T) {
	b := &stubBackend{
		find: func(Key) (*Record, error) {
			rec := activeRecord()
			rec.Expires = fixedNow()
			return rec, nil
		},
	}

	res, err := newStubStore(b).Get(context.Background(), storeTestNS, storeTestID)
	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Equal(t, []string{"find"}, b.calls)
}

func TestRead_BackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		backend *stubBackend
		want    string
	}{
		{
			name: "find",
			backend: &stubBackend{
				find: func(Key) (*Record, error) { return nil, errBackendDown },
			},
			want: "finding session",
		},
		{
			name: "expired delete",
			backend: &stubBackend{
				find: func(Key) (*Record, error) {
					rec := activeRecord()
					rec.Expires = fixedNow().Add(-time.Second)
					return rec, nil
				},
				delete: func(Filter) (bool, error) { return false, errBackendDown },
			},
			want: "deleting expired session",
		},
		{
			name: "lock update",
			backend: &stubBackend{
				find:   func(Key) (*Record, error) { return activeRecord(), nil },
				update: func(Filter, Update) (bool, error) { return false, errBackendDown },
			},
			want: "locking session",
		},
		{
			name: "corrupt payload",
			backend: &stubBackend{
				find: func(Key) (*Record, error) {
					rec := activeRecord()
					rec.Items = []byte("not json")
					return rec, nil
				},
			},
			want: "decoding session",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newStubStore(tt.backend).GetExclusive(context.Background(), storeTestNS, storeTestID)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			if tt.name != "corrupt payload" {
				assert.ErrorIs(t, err, errBackendDown)
			}
		})
	}
}

func TestMutations_BackendErrorsPropagate(t *testing.T) {
	failing := &stubBackend{
		insert:  func(*Record) error { return errBackendDown },
		replace: func(*Record) error { return errBackendDown },
		update:  func(Filter, Update) (bool, error) { return false, errBackendDown },
		delete:  func(Filter) (bool, error) { return false, errBackendDown },
	}
	s := newStubStore(failing)
	ctx := context.Background()
	data := &Data{Items: Items{"k": "v"}, Timeout: storeTestSpan}

	assert.ErrorIs(t, s.ReleaseExclusive(ctx, storeTestNS, storeTestID, 1), errBackendDown)
	assert.ErrorIs(t, s.WriteAndRelease(ctx, storeTestNS, storeTestID, data, 1, false), errBackendDown)
	assert.ErrorIs(t, s.WriteAndRelease(ctx, storeTestNS, storeTestID, data, 1, true), errBackendDown)
	assert.ErrorIs(t, s.Remove(ctx, storeTestNS, storeTestID, 1), errBackendDown)
	assert.ErrorIs(t, s.RefreshTimeout(ctx, storeTestNS, storeTestID), errBackendDown)
	assert.ErrorIs(t, s.CreateUninitialized(ctx, storeTestNS, storeTestID, 20), errBackendDown)
}

func TestCreateUninitialized_DeleteThenInsert(t *testing.T) {
	var deleted Filter
	var inserted *Record
	b := &stubBackend{
		delete: func(f Filter) (bool, error) {
			deleted = f
			return true, nil
		},
		insert: func(r *Record) error {
			inserted = r
			return nil
		},
	}

	require.NoError(t, newStubStore(b).CreateUninitialized(context.Background(), storeTestNS, storeTestID, 20))
	assert.Equal(t, []string{"delete", "insert"}, b.calls)
	assert.Nil(t, deleted.LockID, "stale records are removed regardless of lock")
	require.NotNil(t, inserted)
	assert.Equal(t, ActionInitializeItem, inserted.Action)
	assert.Equal(t, fixedNow().Add(1400*time.Minute), inserted.Expires)
	assert.Equal(t, 20, inserted.Timeout)
	assert.Empty(t, inserted.Items)
	assert.False(t, inserted.Locked)
	assert.Equal(t, int64(0), inserted.LockID)
}

func TestCreateUninitialized_InsertFailsAfterDelete(t *testing.T) {
	// The two round trips are not atomic: a failed insert leaves the session absent.
	mem := NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, mem.Insert(ctx, activeRecord()))

	b := &stubBackend{
		delete: func(f Filter) (bool, error) { return mem.Delete(ctx, f) },
		insert: func(*Record) error { return errBackendDown },
	}
	err := newStubStore(b).CreateUninitialized(ctx, storeTestNS, storeTestID, 20)
	require.ErrorIs(t, err, errBackendDown)
	assert.Contains(t, err.Error(), "inserting session")
	assert.Equal(t, 0, mem.Len())
}

func TestRecreate_ReplaceModeIsSingleCall(t *testing.T) {
	b := &stubBackend{}
	s := New(b, Config{Now: fixedNow, Recreate: RecreateReplace})

	data := &Data{Items: Items{"a": 1, "b": 2}, Timeout: 45 * time.Minute}
	require.NoError(t, s.WriteAndRelease(context.Background(), storeTestNS, storeTestID, data, 3, true))
	assert.Equal(t, []string{"replace"}, b.calls)
}

func TestWriteAndRelease_UpdateFields(t *testing.T) {
	var gotFilter Filter
	var gotUpdate Update
	b := &stubBackend{
		update: func(f Filter, u Update) (bool, error) {
			gotFilter, gotUpdate = f, u
			return false, nil
		},
	}

	data := &Data{Items: Items{"a": "x"}, Timeout: time.Hour}
	err := newStubStore(b).WriteAndRelease(context.Background(), storeTestNS, storeTestID, data, 5, false)
	require.NoError(t, err, "a stale lock id is not an error")

	require.NotNil(t, gotFilter.LockID)
	assert.Equal(t, int64(5), *gotFilter.LockID)
	assert.False(t, gotFilter.Unlocked)
	assert.False(t, *gotUpdate.Locked)
	assert.Equal(t, 1, *gotUpdate.ItemCount)
	assert.Equal(t, fixedNow().Add(storeTestSpan), *gotUpdate.Expires, "existing items use the ambient timeout")
	assert.Nil(t, gotUpdate.LockID, "release never touches the lock id")

	items, err := JSONCodec{}.Decode(*gotUpdate.Items)
	require.NoError(t, err)
	assert.Equal(t, "x", items["a"])
}

func TestWriteAndRelease_NilData(t *testing.T) {
	var inserted *Record
	b := &stubBackend{insert: func(r *Record) error { inserted = r; return nil }}

	require.NoError(t, newStubStore(b).WriteAndRelease(context.Background(), storeTestNS, storeTestID, nil, 0, true))
	require.NotNil(t, inserted)
	assert.Equal(t, 0, inserted.ItemCount)
	assert.Equal(t, 20, inserted.Timeout)
}

func TestCreateNewData(t *testing.T) {
	d := (&Store{}).CreateNewData(5 * time.Minute)
	assert.NotNil(t, d.Items)
	assert.Empty(t, d.Items)
	assert.Equal(t, 5*time.Minute, d.Timeout)
}

func TestCleanup_WithoutReaper(t *testing.T) {
	b := &stubBackend{}
	assert.NoError(t, newStubStore(b).Cleanup(context.Background()))
	assert.Empty(t, b.calls)
}

func TestEnsureIndexes_WithoutIndexer(t *testing.T) {
	assert.NoError(t, EnsureIndexes(context.Background(), &stubBackend{}))
}

func TestFilter_Matches(t *testing.T) {
	rec := activeRecord()
	seven, eight := int64(7), int64(8)

	assert.True(t, Filter{Namespace: storeTestNS, ID: storeTestID}.Matches(rec))
	assert.True(t, Filter{Namespace: storeTestNS, ID: storeTestID, LockID: &seven, Unlocked: true}.Matches(rec))
	assert.False(t, Filter{Namespace: storeTestNS, ID: storeTestID, LockID: &eight}.Matches(rec))
	assert.False(t, Filter{Namespace: "/other", ID: storeTestID}.Matches(rec))
	assert.False(t, Filter{Namespace: storeTestNS, ID: storeTestID}.Matches(nil))

	rec.Locked = true
	assert.False(t, Filter{Namespace: storeTestNS, ID: storeTestID, Unlocked: true}.Matches(rec))
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "None", ActionNone.String())
	assert.Equal(t, "InitializeItem", ActionInitializeItem.String())
}
