// Package postgres provides PostgreSQL storage for session records.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/sessionstate/pkg/session"
)

// DefaultTable is the table created by the bundled migrations.
const DefaultTable = "session_state"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// recordColumns lists columns in the order records are inserted and scanned.
var recordColumns = []string{
	"namespace", "id", "created", "expires", "locked", "lock_date",
	"lock_id", "action", "items", "item_count", "timeout",
}

// replaceSuffix turns an INSERT into an atomic insert-or-replace.
const replaceSuffix = `ON CONFLICT (namespace, id) DO UPDATE SET
	created = EXCLUDED.created, expires = EXCLUDED.expires, locked = EXCLUDED.locked,
	lock_date = EXCLUDED.lock_date, lock_id = EXCLUDED.lock_id, action = EXCLUDED.action,
	items = EXCLUDED.items, item_count = EXCLUDED.item_count, timeout = EXCLUDED.timeout`

// Store implements session.Backend using PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
}

// Config configures the PostgreSQL session store.
type Config struct {
	// Table defaults to DefaultTable.
	Table string
}

// New creates a new PostgreSQL session store. The caller owns db.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	return &Store{
		db:    db,
		table: cfg.Table,
	}
}

// where builds the WHERE clause for a filter.
func where(f session.Filter) sq.And {
	cond := sq.And{
		sq.Eq{"namespace": f.Namespace},
		sq.Eq{"id": f.ID},
	}
	if f.LockID != nil {
		cond = append(cond, sq.Eq{"lock_id": *f.LockID})
	}
	if f.Unlocked {
		cond = append(cond, sq.Eq{"locked": false})
	}
	return cond
}

// setClauses adds the fields of u to an UPDATE in a fixed order.
func setClauses(ub sq.UpdateBuilder, u session.Update) sq.UpdateBuilder {
	if u.Expires != nil {
		ub = ub.Set("expires", *u.Expires)
	}
	if u.Locked != nil {
		ub = ub.Set("locked", *u.Locked)
	}
	if u.LockDate != nil {
		ub = ub.Set("lock_date", *u.LockDate)
	}
	if u.LockID != nil {
		ub = ub.Set("lock_id", *u.LockID)
	}
	if u.Action != nil {
		ub = ub.Set("action", int(*u.Action))
	}
	if u.Items != nil {
		ub = ub.Set("items", *u.Items)
	}
	if u.ItemCount != nil {
		ub = ub.Set("item_count", *u.ItemCount)
	}
	return ub
}

func recordValues(r *session.Record) []any {
	items := r.Items
	if items == nil {
		items = []byte{}
	}
	return []any{
		r.Namespace, r.ID, r.Created, r.Expires, r.Locked, r.LockDate,
		r.LockID, int(r.Action), items, r.ItemCount, r.Timeout,
	}
}

// Find retrieves a record. Returns nil, nil if not found.
func (s *Store) Find(ctx context.Context, key session.Key) (*session.Record, error) {
	query, args, err := psq.Select(recordColumns...).
		From(s.table).
		Where(where(session.Filter{Namespace: key.Namespace, ID: key.ID})).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building find query: %w", err)
	}
	return scanRecord(s.db.QueryRowContext(ctx, query, args...))
}

// Insert adds a record.
func (s *Store) Insert(ctx context.Context, r *session.Record) error {
	query, args, err := psq.Insert(s.table).
		Columns(recordColumns...).
		Values(recordValues(r)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session record: %w", err)
	}
	return nil
}

// Replace inserts r or overwrites the row with the same key in one statement.
func (s *Store) Replace(ctx context.Context, r *session.Record) error {
	query, args, err := psq.Insert(s.table).
		Columns(recordColumns...).
		Values(recordValues(r)...).
		Suffix(replaceSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("building replace query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("replacing session record: %w", err)
	}
	return nil
}

// Update applies u to the row matching f.
func (s *Store) Update(ctx context.Context, f session.Filter, u session.Update) (bool, error) {
	query, args, err := setClauses(psq.Update(s.table), u).
		Where(where(f)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building update query: %w", err)
	}
	return s.exec(ctx, "updating session record", query, args)
}

// Delete removes the row matching f.
func (s *Store) Delete(ctx context.Context, f session.Filter) (bool, error) {
	query, args, err := psq.Delete(s.table).
		Where(where(f)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building delete query: %w", err)
	}
	return s.exec(ctx, "deleting session record", query, args)
}

// DeleteExpired removes rows whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := psq.Delete(s.table).
		Where(sq.Lt{"expires": now}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building cleanup query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleaning up session records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to the caller.
func (*Store) Close() error {
	return nil
}

func (s *Store) exec(ctx context.Context, op, query string, args []any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

// scanRecord scans a single row into a Record.
func scanRecord(row *sql.Row) (*session.Record, error) {
	var r session.Record
	var action int

	err := row.Scan(
		&r.Namespace, &r.ID, &r.Created, &r.Expires, &r.Locked, &r.LockDate,
		&r.LockID, &action, &r.Items, &r.ItemCount, &r.Timeout,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Backend interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session record: %w", err)
	}
	r.Action = session.Action(action)
	return &r, nil
}

// Verify interface compliance.
var (
	_ session.Backend = (*Store)(nil)
	_ session.Reaper  = (*Store)(nil)
	_ session.Pinger  = (*Store)(nil)
)
