// Package mongodb provides MongoDB storage for session records.
//
// Documents use the field layout of the ASP.NET MongoDB session provider so an
// existing SessionState collection can be shared.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/txn2/sessionstate/pkg/session"
)

const (
	// DefaultDatabase is the database used when none is configured.
	DefaultDatabase = "ASPNETDB"

	// DefaultCollection is the collection used when none is configured.
	DefaultCollection = "SessionState"

	defaultConnectTimeout = 10 * time.Second
)

// Document field names.
const (
	fieldNamespace = "applicationVirtualPath"
	fieldID        = "id"
	fieldExpires   = "expires"
	fieldLockDate  = "lockDate"
	fieldLocked    = "locked"
	fieldLockID    = "lockId"
	fieldAction    = "sessionStateActions"
	fieldItems     = "sessionStateItems"
	fieldItemCount = "sessionStateItemsCount"
)

// document is the stored form of a session.Record.
type document struct {
	Namespace string    `bson:"applicationVirtualPath"`
	ID        string    `bson:"id"`
	Created   time.Time `bson:"created"`
	Expires   time.Time `bson:"expires"`
	LockDate  time.Time `bson:"lockDate"`
	Locked    bool      `bson:"locked"`
	LockID    int64     `bson:"lockId"`
	Action    int32     `bson:"sessionStateActions"`
	Items     []byte    `bson:"sessionStateItems"`
	ItemCount int32     `bson:"sessionStateItemsCount"`
	Timeout   int32     `bson:"timeout"`
}

func toDocument(r *session.Record) document {
	items := r.Items
	if items == nil {
		items = []byte{}
	}
	return document{
		Namespace: r.Namespace,
		ID:        r.ID,
		Created:   r.Created,
		Expires:   r.Expires,
		LockDate:  r.LockDate,
		Locked:    r.Locked,
		LockID:    r.LockID,
		Action:    int32(r.Action),   //nolint:gosec // two-valued enum
		Items:     items,
		ItemCount: int32(r.ItemCount), //nolint:gosec // bounded by payload size
		Timeout:   int32(r.Timeout),   //nolint:gosec // minutes
	}
}

func (d document) record() *session.Record {
	return &session.Record{
		Namespace: d.Namespace,
		ID:        d.ID,
		Created:   d.Created.UTC(),
		Expires:   d.Expires.UTC(),
		Locked:    d.Locked,
		LockDate:  d.LockDate.UTC(),
		LockID:    d.LockID,
		Action:    session.Action(d.Action),
		Items:     d.Items,
		ItemCount: int(d.ItemCount),
		Timeout:   int(d.Timeout),
	}
}

// Config configures a MongoDB session store.
type Config struct {
	// URI is the connection string, e.g. mongodb://localhost:27017.
	URI string

	// Database defaults to DefaultDatabase.
	Database string

	// Collection defaults to DefaultCollection.
	Collection string

	// ConnectTimeout bounds the initial connection. Defaults to 10s.
	ConnectTimeout time.Duration
}

// Store implements session.Backend using a MongoDB collection.
type Store struct {
	coll *mongo.Collection

	// owned is set when the Store created the client and must disconnect it.
	owned bool
}

// New wraps an existing collection. The caller owns the client.
func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Connect dials MongoDB and returns a Store that disconnects the client on Close.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	return &Store{
		coll:  client.Database(cfg.Database).Collection(cfg.Collection),
		owned: true,
	}, nil
}

// Collection returns the underlying collection.
func (s *Store) Collection() *mongo.Collection {
	return s.coll
}

// filterDoc builds the query document for a filter.
func filterDoc(f session.Filter) bson.D {
	doc := bson.D{
		{Key: fieldNamespace, Value: f.Namespace},
		{Key: fieldID, Value: f.ID},
	}
	if f.LockID != nil {
		doc = append(doc, bson.E{Key: fieldLockID, Value: *f.LockID})
	}
	if f.Unlocked {
		doc = append(doc, bson.E{Key: fieldLocked, Value: false})
	}
	return doc
}

// updateDoc builds the $set document for an update.
func updateDoc(u session.Update) bson.D {
	set := bson.D{}
	if u.Expires != nil {
		set = append(set, bson.E{Key: fieldExpires, Value: *u.Expires})
	}
	if u.Locked != nil {
		set = append(set, bson.E{Key: fieldLocked, Value: *u.Locked})
	}
	if u.LockDate != nil {
		set = append(set, bson.E{Key: fieldLockDate, Value: *u.LockDate})
	}
	if u.LockID != nil {
		set = append(set, bson.E{Key: fieldLockID, Value: *u.LockID})
	}
	if u.Action != nil {
		set = append(set, bson.E{Key: fieldAction, Value: int32(*u.Action)}) //nolint:gosec // two-valued enum
	}
	if u.Items != nil {
		set = append(set, bson.E{Key: fieldItems, Value: *u.Items})
	}
	if u.ItemCount != nil {
		set = append(set, bson.E{Key: fieldItemCount, Value: int32(*u.ItemCount)}) //nolint:gosec // bounded by payload size
	}
	return bson.D{{Key: "$set", Value: set}}
}

// indexModels are the lookup and lock-guarded lookup indexes.
func indexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: fieldNamespace, Value: 1}, {Key: fieldID, Value: 1}}},
		{Keys: bson.D{{Key: fieldNamespace, Value: 1}, {Key: fieldID, Value: 1}, {Key: fieldLockID, Value: 1}}},
	}
}

// EnsureIndexes creates the indexes if they do not exist.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.coll.Indexes().CreateMany(ctx, indexModels()); err != nil {
		return fmt.Errorf("creating session indexes: %w", err)
	}
	return nil
}

// Find retrieves a record. Returns nil, nil if not found.
func (s *Store) Find(ctx context.Context, key session.Key) (*session.Record, error) {
	var doc document
	err := s.coll.FindOne(ctx, filterDoc(session.Filter{Namespace: key.Namespace, ID: key.ID})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil //nolint:nilnil // Backend interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("finding session document: %w", err)
	}
	return doc.record(), nil
}

// Insert adds a document.
func (s *Store) Insert(ctx context.Context, r *session.Record) error {
	if _, err := s.coll.InsertOne(ctx, toDocument(r)); err != nil {
		return fmt.Errorf("inserting session document: %w", err)
	}
	return nil
}

// Replace upserts the document for r's key in one operation.
func (s *Store) Replace(ctx context.Context, r *session.Record) error {
	_, err := s.coll.ReplaceOne(ctx,
		filterDoc(session.Filter{Namespace: r.Namespace, ID: r.ID}),
		toDocument(r),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replacing session document: %w", err)
	}
	return nil
}

// Update applies u to the document matching f.
func (s *Store) Update(ctx context.Context, f session.Filter, u session.Update) (bool, error) {
	res, err := s.coll.UpdateOne(ctx, filterDoc(f), updateDoc(u))
	if err != nil {
		return false, fmt.Errorf("updating session document: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// Delete removes the document matching f.
func (s *Store) Delete(ctx context.Context, f session.Filter) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, filterDoc(f))
	if err != nil {
		return false, fmt.Errorf("deleting session document: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// DeleteExpired removes documents whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: fieldExpires, Value: bson.D{{Key: "$lt", Value: now}}}})
	if err != nil {
		return 0, fmt.Errorf("cleaning up session documents: %w", err)
	}
	return res.DeletedCount, nil
}

// Ping checks the connection to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("pinging mongodb: %w", err)
	}
	return nil
}

// Close disconnects the client if the Store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := s.coll.Database().Client().Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting mongodb: %w", err)
	}
	return nil
}

// Verify interface compliance.
var (
	_ session.Backend = (*Store)(nil)
	_ session.Indexer = (*Store)(nil)
	_ session.Reaper  = (*Store)(nil)
	_ session.Pinger  = (*Store)(nil)
)
