package mongostore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestFilterBuilder(t *testing.T) {
	f := NewFilter().
		Eq("_id", "u1|u2").
		Ne("applied_ids", "m1").
		Build()
	assert.Equal(t, bson.M{"_id": "u1|u2", "applied_ids": bson.M{"$ne": "m1"}}, f)

	assert.Equal(t, bson.M{"n": bson.M{"$lte": 3}}, NewFilter().Lte("n", 3).Build())

	f = NewFilter().Or(bson.M{"a": 1}, bson.M{"b": 2}).Build()
	assert.Len(t, f["$or"], 2)
	assert.Empty(t, NewFilter().Or().Build())
}

func seqMsg(id string, seq int64) models.Message {
	return models.Message{ID: id, ConversationID: "u1_u2", Seq: seq}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSequencer_ReleasesInSeqOrder(t *testing.T) {
	now := time.Unix(0, 0)
	s := newSequencer([]models.Message{seqMsg("h1", 1), seqMsg("h2", 2)})

	// Seq 4 commits before seq 3 and waits for it.
	assert.Empty(t, s.insert(seqMsg("d", 4), now))
	assert.Equal(t, []string{"c", "d"}, ids(s.insert(seqMsg("c", 3), now)))
	assert.Equal(t, []string{"e"}, ids(s.insert(seqMsg("e", 5), now)))
}

func TestSequencer_UpdateWhileHeld(t *testing.T) {
	now := time.Unix(0, 0)
	s := newSequencer(nil)
	assert.Empty(t, s.insert(seqMsg("b", 2), now))

	seen := seqMsg("b", 2)
	seen.Seen = true
	assert.True(t, s.update(seen))
	assert.False(t, s.update(seqMsg("other", 9)))

	out := s.insert(seqMsg("a", 1), now)
	require.Len(t, out, 2)
	assert.True(t, out[1].Seen)
}

func TestSequencer_SkipsGapAfterWait(t *testing.T) {
	now := time.Unix(0, 0)
	s := newSequencer(nil)
	assert.Empty(t, s.insert(seqMsg("c", 3), now))
	assert.Empty(t, s.insert(seqMsg("d", 4), now))

	assert.Empty(t, s.expire(now.Add(gapWait/2)))
	assert.Equal(t, []string{"c", "d"}, ids(s.expire(now.Add(gapWait))))

	// A straggler below the cursor is still delivered.
	assert.Equal(t, []string{"a"}, ids(s.insert(seqMsg("a", 1), now)))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled))
	assert.False(t, isRetryableError(context.DeadlineExceeded))
	assert.False(t, isRetryableError(errors.New("bad document")))
}

func TestWaitForRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, waitForRetry(ctx, 1))
}

// testDB connects to MONGO_URI; change-stream tests need a replica set.
func testDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("skip: MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("skip: mongo not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("skip: mongo not available: %v", err)
	}
	db := client.Database("d8byte_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db
}

func TestMessages_Mongo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := NewMessages(db)
	require.NoError(t, m.EnsureIndexes(ctx))

	base := time.UnixMilli(1_700_000_000_000).UTC()
	first, err := m.Append(ctx, models.Message{ID: "m1", ConversationID: "u1_u2", SenderID: "u1", Text: "hi", SentAt: base})
	require.NoError(t, err)
	second, err := m.Append(ctx, models.Message{ID: "m2", ConversationID: "u1_u2", SenderID: "u1", Text: "again", SentAt: base})
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)

	early, err := m.Append(ctx, models.Message{ID: "m3", ConversationID: "u1_u2", SenderID: "u2", Text: "late clock", SentAt: base.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, base, early.SentAt)
	assert.Greater(t, early.Seq, second.Seq)

	dup, err := m.Append(ctx, models.Message{ID: "m1", ConversationID: "u1_u2", SenderID: "u1", Text: "hi", SentAt: base})
	require.NoError(t, err)
	assert.Equal(t, first.Seq, dup.Seq)

	list, err := m.List(ctx, "u1_u2")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "m3", list[2].ID)

	n, err := m.MarkSeen(ctx, "u1_u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = m.MarkSeen(ctx, "u1_u2", "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummaries_Mongo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := NewSummaries(db)

	at := time.UnixMilli(1000).UTC()
	require.NoError(t, s.Touch(ctx, "u2", "u1", "hi", at))
	applied, err := s.IncrementUnread(ctx, "u2", "u1", "m1")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.IncrementUnread(ctx, "u2", "u1", "m1")
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, s.Touch(ctx, "u2", "u1", "older", at.Add(-time.Second)))
	cs, err := s.Get(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "hi", cs.LastMessageText)
	assert.Equal(t, 1, cs.UnreadCount)

	require.NoError(t, s.ResetUnread(ctx, "u2", "u1"))
	cs, _ = s.Get(ctx, "u2", "u1")
	assert.Zero(t, cs.UnreadCount)
}

func TestMatches_Mongo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	m := NewMatches(db)
	require.NoError(t, m.Like(ctx, "u1", "u2"))
	ok, err := m.Mutual(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, m.Like(ctx, "u2", "u1"))
	ok, err = m.Mutual(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
