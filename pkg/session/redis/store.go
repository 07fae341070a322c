// Package redis provides Redis storage for session records.
//
// Each record is a hash whose key expires at the record's expiry time, so
// Redis reaps abandoned sessions itself. Conditional mutations run as Lua
// scripts to keep the match and the write atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/sessionstate/pkg/session"
)

// DefaultPrefix is prepended to every session key.
const DefaultPrefix = "session:"

const defaultConnectTimeout = 2 * time.Second

// Hash fields.
const (
	fieldNamespace = "namespace"
	fieldID        = "id"
	fieldCreated   = "created"
	fieldExpires   = "expires"
	fieldLocked    = "locked"
	fieldLockDate  = "lock_date"
	fieldLockID    = "lock_id"
	fieldAction    = "action"
	fieldItems     = "items"
	fieldItemCount = "item_count"
	fieldTimeout   = "timeout"
)

// updateScript applies HSET pairs when the guard holds.
// ARGV: lock id guard ("" for none), require unlocked ("1"/"0"), pexpireat ("" to keep), field/value pairs.
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'lock_id') ~= ARGV[1] then return 0 end
if ARGV[2] == '1' and redis.call('HGET', KEYS[1], 'locked') ~= '0' then return 0 end
if #ARGV > 3 then redis.call('HSET', KEYS[1], unpack(ARGV, 4)) end
if ARGV[3] ~= '' then redis.call('PEXPIREAT', KEYS[1], ARGV[3]) end
return 1
`)

// deleteScript removes the key when the guard holds.
// ARGV: lock id guard ("" for none), require unlocked ("1"/"0").
var deleteScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'lock_id') ~= ARGV[1] then return 0 end
if ARGV[2] == '1' and redis.call('HGET', KEYS[1], 'locked') ~= '0' then return 0 end
return redis.call('DEL', KEYS[1])
`)

// Config configures a Redis session store.
type Config struct {
	// Addr is host:port of the Redis server.
	Addr string

	Password string
	DB       int

	// Prefix defaults to DefaultPrefix.
	Prefix string
}

// Store implements session.Backend using Redis hashes.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// New wraps an existing client. The caller owns it.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect dials Redis, verifies the connection and returns a Store that
// closes the client on Close.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := New(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

// key returns the hash key for a record. The NUL separator cannot occur in
// a namespace, so distinct (namespace, id) pairs never collide.
func (s *Store) key(k session.Key) string {
	return s.prefix + k.Namespace + "\x00" + k.ID
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// recordFields flattens r into HSET field/value pairs.
func recordFields(r *session.Record) []any {
	return []any{
		fieldNamespace, r.Namespace,
		fieldID, r.ID,
		fieldCreated, formatTime(r.Created),
		fieldExpires, formatTime(r.Expires),
		fieldLocked, formatBool(r.Locked),
		fieldLockDate, formatTime(r.LockDate),
		fieldLockID, strconv.FormatInt(r.LockID, 10),
		fieldAction, strconv.Itoa(int(r.Action)),
		fieldItems, string(r.Items),
		fieldItemCount, strconv.Itoa(r.ItemCount),
		fieldTimeout, strconv.Itoa(r.Timeout),
	}
}

// updateFields flattens the set fields of u into HSET field/value pairs.
func updateFields(u session.Update) []any {
	var out []any
	if u.Expires != nil {
		out = append(out, fieldExpires, formatTime(*u.Expires))
	}
	if u.Locked != nil {
		out = append(out, fieldLocked, formatBool(*u.Locked))
	}
	if u.LockDate != nil {
		out = append(out, fieldLockDate, formatTime(*u.LockDate))
	}
	if u.LockID != nil {
		out = append(out, fieldLockID, strconv.FormatInt(*u.LockID, 10))
	}
	if u.Action != nil {
		out = append(out, fieldAction, strconv.Itoa(int(*u.Action)))
	}
	if u.Items != nil {
		out = append(out, fieldItems, string(*u.Items))
	}
	if u.ItemCount != nil {
		out = append(out, fieldItemCount, strconv.Itoa(*u.ItemCount))
	}
	return out
}

// guardArgs encodes the lock guard of f as script arguments.
func guardArgs(f session.Filter) []any {
	lockID := ""
	if f.LockID != nil {
		lockID = strconv.FormatInt(*f.LockID, 10)
	}
	return []any{lockID, formatBool(f.Unlocked)}
}

// parseRecord rebuilds a record from a hash.
func parseRecord(h map[string]string) (*session.Record, error) {
	var errs []error
	parseInt := func(field string) int64 {
		v, err := strconv.ParseInt(h[field], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", field, err))
		}
		return v
	}
	parseTime := func(field string) time.Time {
		return time.UnixMilli(parseInt(field)).UTC()
	}

	r := &session.Record{
		Namespace: h[fieldNamespace],
		ID:        h[fieldID],
		Created:   parseTime(fieldCreated),
		Expires:   parseTime(fieldExpires),
		Locked:    h[fieldLocked] == "1",
		LockDate:  parseTime(fieldLockDate),
		LockID:    parseInt(fieldLockID),
		Action:    session.Action(parseInt(fieldAction)),
		Items:     []byte(h[fieldItems]),
		ItemCount: int(parseInt(fieldItemCount)),
		Timeout:   int(parseInt(fieldTimeout)),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Find retrieves a record. Returns nil, nil if not found.
func (s *Store) Find(ctx context.Context, key session.Key) (*session.Record, error) {
	h, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("finding session hash: %w", err)
	}
	if len(h) == 0 {
		return nil, nil //nolint:nilnil // Backend interface specifies nil,nil for not-found
	}
	r, err := parseRecord(h)
	if err != nil {
		return nil, fmt.Errorf("parsing session hash: %w", err)
	}
	return r, nil
}

// Insert writes the hash and its expiry in one transaction.
func (s *Store) Insert(ctx context.Context, r *session.Record) error {
	if err := s.write(ctx, r); err != nil {
		return fmt.Errorf("inserting session hash: %w", err)
	}
	return nil
}

// Replace overwrites the hash for r's key in one transaction.
func (s *Store) Replace(ctx context.Context, r *session.Record) error {
	if err := s.write(ctx, r); err != nil {
		return fmt.Errorf("replacing session hash: %w", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, r *session.Record) error {
	key := s.key(session.Key{Namespace: r.Namespace, ID: r.ID})
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, recordFields(r)...)
		pipe.PExpireAt(ctx, key, r.Expires)
		return nil
	})
	return err //nolint:wrapcheck // wrapped by callers
}

// Update applies u to the hash matching f.
func (s *Store) Update(ctx context.Context, f session.Filter, u session.Update) (bool, error) {
	expireAt := ""
	if u.Expires != nil {
		expireAt = formatTime(*u.Expires)
	}
	args := append(guardArgs(f), expireAt)
	args = append(args, updateFields(u)...)

	n, err := updateScript.Run(ctx, s.client, []string{s.key(f.Key())}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("updating session hash: %w", err)
	}
	return n > 0, nil
}

// Delete removes the hash matching f.
func (s *Store) Delete(ctx context.Context, f session.Filter) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client, []string{s.key(f.Key())}, guardArgs(f)...).Int()
	if err != nil {
		return false, fmt.Errorf("deleting session hash: %w", err)
	}
	return n > 0, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close closes the client if the Store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// Verify interface compliance.
var (
	_ session.Backend = (*Store)(nil)
	_ session.Pinger  = (*Store)(nil)
)
