package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	// DefaultCookieName is the cookie carrying the session id.
	DefaultCookieName = "SessionId"

	defaultLockPollInterval = 500 * time.Millisecond
	defaultLockTimeout      = 110 * time.Second

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"
)

// ErrLockTimeout is returned when a session stays locked longer than the
// handler is willing to wait.
var ErrLockTimeout = errors.New("session: timed out waiting for lock")

// errLocked signals a retryable lock conflict inside the polling loop.
var errLocked = errors.New("session locked")

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Store *Store

	// Namespace scopes every session the handler touches.
	Namespace string

	// CookieName defaults to DefaultCookieName.
	CookieName string

	// SecureCookie marks the session cookie Secure. Requests served over
	// TLS always get a Secure cookie.
	SecureCookie bool

	// ReadOnly reads sessions without locking them and only refreshes
	// their timeout at the end of the request. Writes are discarded.
	ReadOnly bool

	// RegenerateExpired issues a new id when the presented one is unknown,
	// seeding it with an uninitialized placeholder.
	RegenerateExpired bool

	// LockPollInterval is the delay between lock attempts. Defaults to 500ms.
	LockPollInterval time.Duration

	// LockTimeout is the lock age after which a lock is considered abandoned
	// and is released on behalf of its holder. Defaults to 110s.
	LockTimeout time.Duration

	// MaxLockWait bounds the total wait for a lock. Defaults to LockTimeout
	// plus one poll interval.
	MaxLockWait time.Duration

	Logger *slog.Logger
}

// Handler wraps an HTTP handler with per-request session state. Each request
// holds the session's exclusive lock from the first read until the end of
// the request, when changes are written back.
type Handler struct {
	inner  http.Handler
	store  *Store
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandler creates a session-aware handler.
func NewHandler(inner http.Handler, cfg HandlerConfig) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = defaultLockPollInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.MaxLockWait <= 0 {
		cfg.MaxLockWait = cfg.LockTimeout + cfg.LockPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		inner:  inner,
		store:  cfg.Store,
		cfg:    cfg,
		logger: logger,
	}
}

// ServeHTTP loads the session, serves the request and writes the session back.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state, err := h.load(r)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			h.logger.Warn("session: lock wait exceeded", slogKeyError, err)
			http.Error(w, "session busy", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("session: load failed", slogKeyError, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    state.id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.SecureCookie || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	completed := false
	defer func() {
		// A panicking request gives up the lock without saving partial changes.
		if !completed {
			state.discard()
			h.logger.Warn("session: request panicked, releasing lock", "session_id", state.id)
		}
		// The request context may already be cancelled; the lock must still be released.
		ctx := context.WithoutCancel(r.Context())
		if err := h.finish(ctx, state); err != nil {
			h.logger.Error("session: save failed", "session_id", state.id, slogKeyError, err)
		}
	}()

	h.inner.ServeHTTP(w, r.WithContext(NewContext(r.Context(), state)))
	completed = true
}

// load resolves the request's session, waiting for its lock when needed.
func (h *Handler) load(r *http.Request) (*State, error) {
	id := ""
	if c, err := r.Cookie(h.cfg.CookieName); err == nil {
		id = c.Value
	}
	if id == "" {
		return h.newState(generateSessionID()), nil
	}

	var state *State
	retries := uint64(h.cfg.MaxLockWait / h.cfg.LockPollInterval)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.cfg.LockPollInterval), retries),
		r.Context(),
	)

	op := func() error {
		var err error
		state, id, err = h.tryLoad(r.Context(), id)
		if errors.Is(err, errLocked) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
		}
		return nil, err
	}
	return state, nil
}

// tryLoad makes one attempt at reading id. It returns errLocked while
// another request holds the lock, and the id actually in use.
func (h *Handler) tryLoad(ctx context.Context, id string) (*State, string, error) {
	ns := h.cfg.Namespace
	res, err := h.store.Read(ctx, ns, id, !h.cfg.ReadOnly)
	if err != nil {
		return nil, id, err
	}

	if res.Locked {
		if res.LockAge > h.cfg.LockTimeout {
			h.logger.Info("session: releasing abandoned lock",
				"session_id", id, "lock_id", res.LockID, "lock_age", res.LockAge)
			if err := h.store.ReleaseExclusive(ctx, ns, id, res.LockID); err != nil {
				return nil, id, err
			}
		}
		return nil, id, errLocked
	}

	if res.Data == nil {
		if !h.cfg.RegenerateExpired {
			return h.newState(id), id, nil
		}
		newID := generateSessionID()
		minutes := int(h.store.Timeout() / time.Minute)
		if err := h.store.CreateUninitialized(ctx, ns, newID, minutes); err != nil {
			return nil, id, err
		}
		h.logger.Debug("session: regenerated expired id", "old_session_id", id, "session_id", newID)

		res, err = h.store.Read(ctx, ns, newID, !h.cfg.ReadOnly)
		if err != nil {
			return nil, newID, err
		}
		if res.Locked || res.Data == nil {
			return h.newState(newID), newID, nil
		}
		return h.storedState(newID, res), newID, nil
	}

	return h.storedState(id, res), id, nil
}

func (h *Handler) storedState(id string, res ReadResult) *State {
	return &State{
		id:      id,
		isNew:   res.Action == ActionInitializeItem,
		lockID:  res.LockID,
		holding: !h.cfg.ReadOnly,
		stored:  true,
		data:    res.Data,
	}
}

func (h *Handler) newState(id string) *State {
	return &State{
		id:    id,
		isNew: true,
		data:  h.store.CreateNewData(h.store.Timeout()),
	}
}

// finish persists the state and gives up the lock.
func (h *Handler) finish(ctx context.Context, s *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := h.cfg.Namespace
	switch {
	case s.abandoned:
		if !s.stored {
			return nil
		}
		return h.store.Remove(ctx, ns, s.id, s.lockID)
	case h.cfg.ReadOnly:
		if !s.stored {
			return nil
		}
		return h.store.RefreshTimeout(ctx, ns, s.id)
	case s.isNew && s.dirty:
		return h.store.WriteAndRelease(ctx, ns, s.id, s.data, s.lockID, true)
	case s.dirty:
		return h.store.WriteAndRelease(ctx, ns, s.id, s.data, s.lockID, false)
	case s.holding:
		return h.store.ReleaseExclusive(ctx, ns, s.id, s.lockID)
	}
	return nil
}

// generateSessionID creates a random session ID.
func generateSessionID() string {
	return uuid.NewString()
}

// State is the session attached to a request. It is safe for concurrent use
// by goroutines serving the same request.
type State struct {
	mu sync.Mutex

	id     string
	isNew  bool
	lockID int64

	// holding reports that this request owns the record's lock.
	holding bool

	// stored reports that a record for id existed when the request began.
	stored bool

	data      *Data
	dirty     bool
	abandoned bool
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the request's session, or nil outside a Handler.
func FromContext(ctx context.Context) *State {
	s, _ := ctx.Value(contextKey{}).(*State)
	return s
}

// ID returns the session id.
func (s *State) ID() string {
	return s.id
}

// IsNew reports whether the session is written for the first time by this request.
func (s *State) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// LockID returns the lock token held by the request.
func (s *State) LockID() int64 {
	return s.lockID
}

// Timeout returns the session's idle timeout.
func (s *State) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Timeout
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.Items[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Items[key] = value
	s.dirty = true
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Items[key]; ok {
		delete(s.data.Items, key)
		s.dirty = true
	}
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data.Items))
	for k := range s.data.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored values.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.Items)
}

// discard drops unsaved changes so that finishing only releases the lock.
func (s *State) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
	s.abandoned = false
}

// Abandon removes the session at the end of the request.
func (s *State) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
}
