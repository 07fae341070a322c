// Package session provides a shared-backend session state store.
// It defines the Backend interface for record persistence and the Store type
// that implements the per-request exclusive locking protocol on top of it.
package session

import (
	"context"
	"time"
)

// Action signals what the caller must do with a record before using it.
type Action int

const (
	// ActionNone means the record holds initialized session state.
	ActionNone Action = iota

	// ActionInitializeItem marks a placeholder created by CreateUninitialized
	// that has not been written yet.
	ActionInitializeItem
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionInitializeItem:
		return "InitializeItem"
	default:
		return "None"
	}
}

// Record is the persisted form of one session.
type Record struct {
	// Namespace partitions records per application.
	Namespace string

	// ID is the session identifier, unique within a namespace.
	ID string

	// Created is when the record was inserted.
	Created time.Time

	// Expires is the absolute time after which the record is gone.
	Expires time.Time

	// Locked reports whether a request holds the exclusive lock.
	Locked bool

	// LockDate is when the lock was last acquired.
	LockDate time.Time

	// LockID identifies the current lock holder. It only ever increases.
	LockID int64

	// Action is ActionInitializeItem for placeholders.
	Action Action

	// Items is the opaque encoded attribute payload.
	Items []byte

	// ItemCount is the number of attributes encoded in Items.
	ItemCount int

	// Timeout is the idle timeout in minutes.
	Timeout int
}

// Key addresses a single record.
type Key struct {
	Namespace string
	ID        string
}

// Filter selects the record a conditional mutation applies to.
// Namespace and ID are always matched.
type Filter struct {
	Namespace string
	ID        string

	// LockID, when set, requires the stored lock id to equal it.
	LockID *int64

	// Unlocked requires the record not to be locked.
	Unlocked bool
}

// Key returns the record key the filter matches.
func (f Filter) Key() Key {
	return Key{Namespace: f.Namespace, ID: f.ID}
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *Record) bool {
	if r == nil || r.Namespace != f.Namespace || r.ID != f.ID {
		return false
	}
	if f.LockID != nil && r.LockID != *f.LockID {
		return false
	}
	if f.Unlocked && r.Locked {
		return false
	}
	return true
}

// Update lists the fields a conditional update writes. Nil fields are left untouched.
type Update struct {
	Expires   *time.Time
	Locked    *bool
	LockDate  *time.Time
	LockID    *int64
	Action    *Action
	Items     *[]byte
	ItemCount *int
}

// Apply writes the set fields of u into r.
func (u Update) Apply(r *Record) {
	if u.Expires != nil {
		r.Expires = *u.Expires
	}
	if u.Locked != nil {
		r.Locked = *u.Locked
	}
	if u.LockDate != nil {
		r.LockDate = *u.LockDate
	}
	if u.LockID != nil {
		r.LockID = *u.LockID
	}
	if u.Action != nil {
		r.Action = *u.Action
	}
	if u.Items != nil {
		r.Items = *u.Items
	}
	if u.ItemCount != nil {
		r.ItemCount = *u.ItemCount
	}
}

// Backend defines the document database capability the Store is built on.
// Every method is a single backend round trip; Update and Delete must match
// and mutate atomically.
type Backend interface {
	// Find returns the record for key. Returns nil, nil if none exists.
	Find(ctx context.Context, key Key) (*Record, error)

	// Insert adds a record without checking for an existing one.
	Insert(ctx context.Context, r *Record) error

	// Replace atomically inserts r or overwrites the record with the same key.
	Replace(ctx context.Context, r *Record) error

	// Update applies u to the record matching f and reports whether one matched.
	Update(ctx context.Context, f Filter, u Update) (bool, error)

	// Delete removes the record matching f and reports whether one matched.
	Delete(ctx context.Context, f Filter) (bool, error)

	// Close releases backend resources.
	Close() error
}

// Indexer is implemented by backends that need indexes created at startup.
type Indexer interface {
	EnsureIndexes(ctx context.Context) error
}

// Reaper is implemented by backends that can bulk-delete expired records.
type Reaper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Pinger is implemented by backends that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EnsureIndexes creates the backend's indexes if it supports them.
func EnsureIndexes(ctx context.Context, b Backend) error {
	ix, ok := b.(Indexer)
	if !ok {
		return nil
	}
	return ix.EnsureIndexes(ctx)
}

// ptr returns a pointer to v.
func ptr[T any](v T) *T {
	return &v
}
