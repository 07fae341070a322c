package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultTimeout            = 20 * time.Minute
	defaultUninitializedGrace = 1400 * time.Minute
	defaultAcquireAttempts    = 3
)

// RecreateMode selects how a record is re-created from scratch.
type RecreateMode string

const (
	// RecreateDeleteInsert deletes any existing record and then inserts the
	// new one in a second round trip. A crash or a concurrent writer between
	// the two calls can leave the pair absent or duplicated.
	RecreateDeleteInsert RecreateMode = "delete_insert"

	// RecreateReplace uses a single atomic insert-or-replace.
	RecreateReplace RecreateMode = "replace"
)

// UninitializedExpiry selects the lifetime of placeholder records.
type UninitializedExpiry string

const (
	// ExpiryGrace expires placeholders after the fixed grace window.
	ExpiryGrace UninitializedExpiry = "grace"

	// ExpiryTimeout expires placeholders after the caller-supplied timeout.
	ExpiryTimeout UninitializedExpiry = "timeout"
)

// ErrEmptyID is returned when an operation is called without a session id.
var ErrEmptyID = errors.New("session: empty session id")

// Config configures a Store.
type Config struct {
	// Timeout is the ambient session timeout used when releasing, writing
	// or refreshing a record. Defaults to 20 minutes.
	Timeout time.Duration

	// Codec encodes session items. Defaults to JSONCodec.
	Codec Codec

	// Recreate selects delete-then-insert or atomic replace. Defaults to
	// RecreateDeleteInsert.
	Recreate RecreateMode

	// UninitializedExpiry selects the placeholder lifetime. Defaults to ExpiryGrace.
	UninitializedExpiry UninitializedExpiry

	// UninitializedGrace is the placeholder lifetime under ExpiryGrace.
	// Defaults to 1400 minutes.
	UninitializedGrace time.Duration

	// AcquireAttempts bounds how often an exclusive read retries the lock
	// update after losing a race. Defaults to 3.
	AcquireAttempts int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// ReadResult is the outcome of Read.
type ReadResult struct {
	// Data is nil when the session is absent or locked by another request.
	Data *Data

	// Locked reports that another request holds the lock.
	Locked bool

	// LockAge is how long the current lock has been held. Only set when Locked.
	LockAge time.Duration

	// LockID is the lock token. After an exclusive acquisition it is the
	// caller's token; when Locked it is the holder's token as last read.
	// If acquisition kept losing races to records that were not left
	// locked, it is the record's current token and LockAge is zero.
	LockID int64

	// Action is ActionInitializeItem when the record was a placeholder.
	Action Action
}

// Store implements the session locking and lifecycle protocol on a Backend.
// It holds no per-session state and is safe for concurrent use.
type Store struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Store on top of backend.
func New(backend Backend, cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Recreate == "" {
		cfg.Recreate = RecreateDeleteInsert
	}
	if cfg.UninitializedExpiry == "" {
		cfg.UninitializedExpiry = ExpiryGrace
	}
	if cfg.UninitializedGrace <= 0 {
		cfg.UninitializedGrace = defaultUninitializedGrace
	}
	if cfg.AcquireAttempts <= 0 {
		cfg.AcquireAttempts = defaultAcquireAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Timeout returns the ambient session timeout.
func (s *Store) Timeout() time.Duration {
	return s.cfg.Timeout
}

// CreateNewData returns empty session data with the given timeout.
func (*Store) CreateNewData(timeout time.Duration) *Data {
	return &Data{Items: make(Items), Timeout: timeout}
}

// CreateUninitialized replaces any record for (ns, id) with an unlocked
// placeholder marked ActionInitializeItem.
func (s *Store) CreateUninitialized(ctx context.Context, ns, id string, timeoutMinutes int) error {
	if id == "" {
		return ErrEmptyID
	}
	now := s.cfg.Now()

	lifetime := s.cfg.UninitializedGrace
	if s.cfg.UninitializedExpiry == ExpiryTimeout {
		lifetime = time.Duration(timeoutMinutes) * time.Minute
	}

	rec := &Record{
		Namespace: ns,
		ID:        id,
		Created:   now,
		Expires:   now.Add(lifetime),
		LockDate:  now,
		Action:    ActionInitializeItem,
		Items:     []byte{},
		Timeout:   timeoutMinutes,
	}
	return s.recreate(ctx, rec)
}

// Get reads a session without locking it.
func (s *Store) Get(ctx context.Context, ns, id string) (ReadResult, error) {
	return s.Read(ctx, ns, id, false)
}

// GetExclusive reads a session and acquires its lock if it is free.
func (s *Store) GetExclusive(ctx context.Context, ns, id string) (ReadResult, error) {
	return s.Read(ctx, ns, id, true)
}

// Read looks up (ns, id). Expired records are deleted and reported absent.
// A record locked by another request is reported with Locked set and no Data.
// With exclusive set, a free record is locked under a new, larger lock id.
// Read never waits for a lock; retrying is up to the caller.
func (s *Store) Read(ctx context.Context, ns, id string, exclusive bool) (ReadResult, error) {
	if id == "" {
		return ReadResult{}, ErrEmptyID
	}
	key := Key{Namespace: ns, ID: id}

	for attempt := 1; ; attempt++ {
		rec, err := s.backend.Find(ctx, key)
		if err != nil {
			return ReadResult{}, fmt.Errorf("finding session: %w", err)
		}

		now := s.cfg.Now()
		switch {
		case rec == nil:
			return ReadResult{}, nil
		case now.After(rec.Expires):
			if _, err := s.backend.Delete(ctx, Filter{Namespace: ns, ID: id}); err != nil {
				return ReadResult{}, fmt.Errorf("deleting expired session: %w", err)
			}
			s.logger.Debug("session: expired record removed", "namespace", ns, "session_id", id)
			return ReadResult{}, nil
		case rec.Locked:
			return lockedResult(rec, now), nil
		}

		if !exclusive {
			return s.result(rec, rec.LockID, rec.Action)
		}

		acquired, lockID, err := s.acquire(ctx, rec, now)
		if err != nil {
			return ReadResult{}, err
		}
		if acquired {
			return s.result(rec, lockID, rec.Action)
		}

		s.logger.Debug("session: lost lock race", "namespace", ns, "session_id", id, "attempt", attempt)
		if attempt >= s.cfg.AcquireAttempts {
			return s.contended(ctx, key)
		}
	}
}

// contended reports the current state of a record whose lock could not be
// taken within AcquireAttempts. The caller is expected to retry.
func (s *Store) contended(ctx context.Context, key Key) (ReadResult, error) {
	rec, err := s.backend.Find(ctx, key)
	if err != nil {
		return ReadResult{}, fmt.Errorf("finding session: %w", err)
	}
	now := s.cfg.Now()
	if rec == nil || now.After(rec.Expires) {
		return ReadResult{}, nil
	}
	res := lockedResult(rec, now)
	if !rec.Locked {
		// Nobody holds it right now, so there is no lock age to report.
		res.LockAge = 0
	}
	return res, nil
}

// acquire locks rec if it still carries the observed lock id and is unlocked.
func (s *Store) acquire(ctx context.Context, rec *Record, now time.Time) (bool, int64, error) {
	lockID := rec.LockID + 1
	f := Filter{
		Namespace: rec.Namespace,
		ID:        rec.ID,
		LockID:    ptr(rec.LockID),
		Unlocked:  true,
	}
	u := Update{
		Locked:   ptr(true),
		LockDate: ptr(now),
		LockID:   ptr(lockID),
		Action:   ptr(ActionNone),
	}
	ok, err := s.backend.Update(ctx, f, u)
	if err != nil {
		return false, 0, fmt.Errorf("locking session: %w", err)
	}
	return ok, lockID, nil
}

// result builds the unlocked read result for rec.
func (s *Store) result(rec *Record, lockID int64, action Action) (ReadResult, error) {
	res := ReadResult{LockID: lockID, Action: action}
	if action == ActionInitializeItem {
		res.Data = s.CreateNewData(s.cfg.Timeout)
		return res, nil
	}

	items, err := s.cfg.Codec.Decode(rec.Items)
	if err != nil {
		return ReadResult{}, fmt.Errorf("decoding session: %w", err)
	}
	res.Data = &Data{
		Items:   items,
		Timeout: time.Duration(rec.Timeout) * time.Minute,
	}
	return res, nil
}

// lockedResult reports rec as held by another request.
func lockedResult(rec *Record, now time.Time) ReadResult {
	age := now.Sub(rec.LockDate)
	if age < 0 {
		age = 0
	}
	return ReadResult{
		Locked:  true,
		LockAge: age,
		LockID:  rec.LockID,
	}
}

// ReleaseExclusive unlocks the record held under lockID and extends its
// expiry. A stale lockID is a silent no-op.
func (s *Store) ReleaseExclusive(ctx context.Context, ns, id string, lockID int64) error {
	if id == "" {
		return ErrEmptyID
	}
	f := Filter{Namespace: ns, ID: id, LockID: ptr(lockID)}
	u := Update{
		Expires: ptr(s.cfg.Now().Add(s.cfg.Timeout)),
		Locked:  ptr(false),
	}
	if _, err := s.backend.Update(ctx, f, u); err != nil {
		return fmt.Errorf("releasing session: %w", err)
	}
	return nil
}

// WriteAndRelease stores data and releases the lock. A new item replaces any
// record for (ns, id). An existing item is only written while lockID is
// still current; a stale lockID is a silent no-op.
func (s *Store) WriteAndRelease(ctx context.Context, ns, id string, data *Data, lockID int64, isNewItem bool) error {
	if id == "" {
		return ErrEmptyID
	}
	if data == nil {
		data = s.CreateNewData(s.cfg.Timeout)
	}

	payload, err := s.cfg.Codec.Encode(data.Items)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	now := s.cfg.Now()

	if isNewItem {
		timeout := int(data.Timeout / time.Minute)
		rec := &Record{
			Namespace: ns,
			ID:        id,
			Created:   now,
			Expires:   now.Add(time.Duration(timeout) * time.Minute),
			LockDate:  now,
			Action:    ActionNone,
			Items:     payload,
			ItemCount: len(data.Items),
			Timeout:   timeout,
		}
		return s.recreate(ctx, rec)
	}

	f := Filter{Namespace: ns, ID: id, LockID: ptr(lockID)}
	u := Update{
		Expires:   ptr(now.Add(s.cfg.Timeout)),
		Items:     ptr(payload),
		ItemCount: ptr(len(data.Items)),
		Locked:    ptr(false),
	}
	if _, err := s.backend.Update(ctx, f, u); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Remove deletes the record held under lockID. A stale lockID is a silent no-op.
func (s *Store) Remove(ctx context.Context, ns, id string, lockID int64) error {
	if id == "" {
		return ErrEmptyID
	}
	if _, err := s.backend.Delete(ctx, Filter{Namespace: ns, ID: id, LockID: ptr(lockID)}); err != nil {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// RefreshTimeout extends the expiry of (ns, id) regardless of its lock.
func (s *Store) RefreshTimeout(ctx context.Context, ns, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	u := Update{Expires: ptr(s.cfg.Now().Add(s.cfg.Timeout))}
	if _, err := s.backend.Update(ctx, Filter{Namespace: ns, ID: id}, u); err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}
	return nil
}

// recreate writes rec from scratch according to the configured RecreateMode.
func (s *Store) recreate(ctx context.Context, rec *Record) error {
	if s.cfg.Recreate == RecreateReplace {
		if err := s.backend.Replace(ctx, rec); err != nil {
			return fmt.Errorf("replacing session: %w", err)
		}
		return nil
	}

	if _, err := s.backend.Delete(ctx, Filter{Namespace: rec.Namespace, ID: rec.ID}); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := s.backend.Insert(ctx, rec); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Cleanup deletes expired records when the backend supports it.
// Reads already hide expired records; this only reclaims space.
func (s *Store) Cleanup(ctx context.Context) error {
	r, ok := s.backend.(Reaper)
	if !ok {
		return nil
	}
	n, err := r.DeleteExpired(ctx, s.cfg.Now())
	if err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	if n > 0 {
		s.logger.Debug("session: expired records reaped", "count", n)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired records. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					s.logger.Warn("session cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and closes the backend.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("closing session backend: %w", err)
	}
	return nil
}
