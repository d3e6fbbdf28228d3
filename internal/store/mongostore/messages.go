package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var messageOrder = bson.D{{Key: "sent_at", Value: 1}, {Key: "seq", Value: 1}, {Key: "_id", Value: 1}}

// Messages 把消息存入 messages 集合。Seq 与 SentAt 由 counters 集合按会话原子分配：
// Seq 递增，SentAt 不早于上一条消息。
type Messages struct {
	repo     *Repository[models.Message]
	counters *mongo.Collection
}

var _ store.MessageLog = (*Messages)(nil)

func NewMessages(db *mongo.Database) *Messages {
	return &Messages{
		repo:     NewRepository[models.Message](db, "messages"),
		counters: db.Collection("message_counters"),
	}
}

// EnsureIndexes 创建按会话排序读取所需的复合索引。
func (m *Messages) EnsureIndexes(ctx context.Context) error {
	_, err := m.repo.Collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sent_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "seen", Value: 1}}},
	})
	return err
}

// nextSlot 原子地分配 Seq，并返回抬到不早于上一条消息的 SentAt。
func (m *Messages) nextSlot(ctx context.Context, conversationID string, at time.Time) (int64, time.Time, error) {
	var doc struct {
		Seq        int64     `bson:"seq"`
		LastSentAt time.Time `bson:"last_sent_at"`
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"seq":          bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$seq", 0}}, 1}},
		"last_sent_at": bson.M{"$max": bson.A{"$last_sent_at", at}},
	}}}}
	err := withRetry(ctx, "next seq", func(ctx context.Context) error {
		return m.counters.FindOneAndUpdate(ctx,
			bson.M{"_id": conversationID},
			update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&doc)
	})
	return doc.Seq, doc.LastSentAt.UTC(), err
}

func (m *Messages) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	existing, err := m.repo.FindOne(ctx, NewFilter().Eq("_id", msg.ID).Build())
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, classify("append message", err)
	}
	seq, sentAt, err := m.nextSlot(ctx, msg.ConversationID, msg.SentAt.Truncate(time.Millisecond))
	if err != nil {
		return models.Message{}, err
	}
	msg.Seq, msg.SentAt = seq, sentAt
	if err := m.repo.Create(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// 重试时前一次写入已成功
			if existing, ferr := m.repo.FindOne(ctx, NewFilter().Eq("_id", msg.ID).Build()); ferr == nil {
				return *existing, nil
			}
		}
		return models.Message{}, errs.Transient("append message", err)
	}
	return msg, nil
}

func (m *Messages) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	list, err := m.repo.FindAll(ctx, NewFilter().Eq("conversation_id", conversationID).Build(), messageOrder)
	if err != nil {
		return nil, classify("list messages", err)
	}
	return list, nil
}

func (m *Messages) MarkSeen(ctx context.Context, conversationID, authorID string) (int, error) {
	filter := NewFilter().
		Eq("conversation_id", conversationID).
		Eq("sender_id", authorID).
		Eq("seen", false).
		Build()
	res, err := m.repo.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"seen": true}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// Subscribe 先打开 change stream 再读取历史，避免两者之间的写入丢失；
// 历史中已出现的插入事件会被跳过，新插入按 Seq 顺序放行。
func (m *Messages) Subscribe(ctx context.Context, conversationID string) (*store.Subscription[models.MessageEvent], error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	cs, err := m.repo.Watch(watchCtx, bson.D{
		{Key: "operationType", Value: bson.M{"$in": bson.A{"insert", "update", "replace"}}},
		{Key: "fullDocument.conversation_id", Value: conversationID},
	})
	if err != nil {
		cancel()
		return nil, errs.Transient("watch messages", err)
	}
	history, err := m.List(ctx, conversationID)
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())
		return nil, err
	}

	feed := store.NewFeed[models.MessageEvent]()
	replayed := make(map[string]struct{}, len(history))
	for _, msg := range history {
		replayed[msg.ID] = struct{}{}
		feed.Push(models.MessageEvent{Kind: models.EventAdded, Message: msg})
	}

	events := make(chan changeEvent[models.Message])
	go func() {
		defer close(events)
		for cs.Next(watchCtx) {
			var ev changeEvent[models.Message]
			if err := cs.Decode(&ev); err != nil || ev.FullDocument == nil {
				continue
			}
			select {
			case events <- ev:
			case <-watchCtx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && watchCtx.Err() == nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("message stream ended")
		}
	}()

	go func() {
		defer feed.Close()
		defer cs.Close(context.Background())
		seq := newSequencer(history)
		tick := time.NewTicker(gapWait / 4)
		defer tick.Stop()
		added := func(msgs []models.Message) {
			for _, msg := range msgs {
				feed.Push(models.MessageEvent{Kind: models.EventAdded, Message: msg})
			}
		}
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				doc := *ev.FullDocument
				if doc.ConversationID != conversationID {
					continue
				}
				if ev.OperationType == "insert" {
					if _, dup := replayed[doc.ID]; !dup {
						added(seq.insert(doc, time.Now()))
					}
					continue
				}
				if !seq.update(doc) {
					feed.Push(models.MessageEvent{Kind: models.EventUpdated, Message: doc})
				}
			case now := <-tick.C:
				added(seq.expire(now))
			}
		}
	}()
	return store.Bind(ctx, store.NewSubscription(feed, cancel)), nil
}
