package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/txn2/sessionstate/pkg/session"
)

func TestFilterDoc(t *testing.T) {
	lockID := int64(7)

	tests := []struct {
		name   string
		filter session.Filter
		want   bson.D
	}{
		{
			name:   "key only",
			filter: session.Filter{Namespace: "/app", ID: "abc"},
			want:   bson.D{{Key: "applicationVirtualPath", Value: "/app"}, {Key: "id", Value: "abc"}},
		},
		{
			name:   "lock id guard",
			filter: session.Filter{Namespace: "/app", ID: "abc", LockID: &lockID},
			want: bson.D{
				{Key: "applicationVirtualPath", Value: "/app"},
				{Key: "id", Value: "abc"},
				{Key: "lockId", Value: int64(7)},
			},
		},
		{
			name:   "acquisition guard",
			filter: session.Filter{Namespace: "/app", ID: "abc", LockID: &lockID, Unlocked: true},
			want: bson.D{
				{Key: "applicationVirtualPath", Value: "/app"},
				{Key: "id", Value: "abc"},
				{Key: "lockId", Value: int64(7)},
				{Key: "locked", Value: false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterDoc(tt.filter))
		})
	}
}

func TestUpdateDoc(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	locked := true
	lockID := int64(4)
	action := session.ActionNone
	items := []byte("payload")
	count := 2

	got := updateDoc(session.Update{
		Expires:   &now,
		Locked:    &locked,
		LockDate:  &now,
		LockID:    &lockID,
		Action:    &action,
		Items:     &items,
		ItemCount: &count,
	})

	want := bson.D{{Key: "$set", Value: bson.D{
		{Key: "expires", Value: now},
		{Key: "locked", Value: true},
		{Key: "lockDate", Value: now},
		{Key: "lockId", Value: int64(4)},
		{Key: "sessionStateActions", Value: int32(0)},
		{Key: "sessionStateItems", Value: []byte("payload")},
		{Key: "sessionStateItemsCount", Value: int32(2)},
	}}}
	assert.Equal(t, want, got)
}

func TestUpdateDoc_OnlySetFields(t *testing.T) {
	now := time.Now()
	got := updateDoc(session.Update{Expires: &now})
	assert.Equal(t, bson.D{{Key: "$set", Value: bson.D{{Key: "expires", Value: now}}}}, got)
}

func TestDocument_FieldNames(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := bson.Marshal(toDocument(&session.Record{
		Namespace: "/app",
		ID:        "abc",
		Created:   now,
		Expires:   now,
		LockDate:  now,
		LockID:    1,
		Action:    session.ActionInitializeItem,
		Timeout:   20,
	}))
	require.NoError(t, err)

	for _, field := range []string{
		"applicationVirtualPath", "id", "created", "expires", "lockDate", "locked",
		"lockId", "sessionStateActions", "sessionStateItems", "sessionStateItemsCount", "timeout",
	} {
		_, lookupErr := bson.Raw(raw).LookupErr(field)
		assert.NoError(t, lookupErr, "document should carry field %s", field)
	}
}

func TestDocument_RoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &session.Record{
		Namespace: "/app",
		ID:        "abc",
		Created:   now,
		Expires:   now.Add(20 * time.Minute),
		Locked:    true,
		LockDate:  now,
		LockID:    9,
		Action:    session.ActionInitializeItem,
		Items:     []byte(`{"version":1}`),
		ItemCount: 3,
		Timeout:   20,
	}

	raw, err := bson.Marshal(toDocument(rec))
	require.NoError(t, err)

	var doc document
	require.NoError(t, bson.Unmarshal(raw, &doc))
	assert.Equal(t, rec, doc.record())
}

func TestToDocument_NilItems(t *testing.T) {
	doc := toDocument(&session.Record{Namespace: "/", ID: "x"})
	assert.NotNil(t, doc.Items)
	assert.Empty(t, doc.Items)
}

func TestIndexModels(t *testing.T) {
	models := indexModels()
	require.Len(t, models, 2)
	assert.Equal(t, bson.D{{Key: "applicationVirtualPath", Value: 1}, {Key: "id", Value: 1}}, models[0].Keys)
	assert.Equal(t, bson.D{
		{Key: "applicationVirtualPath", Value: 1},
		{Key: "id", Value: 1},
		{Key: "lockId", Value: 1},
	}, models[1].Keys)
}

func TestConnect_InvalidURI(t *testing.T) {
	_, err := Connect(context.Background(), Config{URI: "not-a-uri"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to mongodb")
}

func TestClose_NotOwned(t *testing.T) {
	assert.NoError(t, New(nil).Close())
}
