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
)

type summaryDoc struct {
	ID                         string `bson:"_id"`
	models.ConversationSummary `bson:",inline"`
}

func summaryID(ownerID, otherID string) string { return ownerID + "|" + otherID }

var summaryOrder = bson.D{{Key: "last_message_time", Value: -1}, {Key: "other_user_id", Value: 1}}

// Summaries 每个 (owner, other) 一个文档；applied_ids 记录已计入未读数的消息 id。
type Summaries struct {
	repo *Repository[summaryDoc]
}

var _ store.SummaryStore = (*Summaries)(nil)

func NewSummaries(db *mongo.Database) *Summaries {
	return &Summaries{repo: NewRepository[summaryDoc](db, "conversation_summaries")}
}

func (s *Summaries) EnsureIndexes(ctx context.Context) error {
	_, err := s.repo.Collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "last_message_time", Value: -1}},
	})
	return err
}

func (s *Summaries) Touch(ctx context.Context, ownerID, otherID, text string, at time.Time) error {
	filter := NewFilter().
		Eq("_id", summaryID(ownerID, otherID)).
		Or(
			NewFilter().Lte("last_message_time", at).Build(),
			bson.M{"last_message_time": bson.M{"$exists": false}},
		).Build()
	update := bson.M{
		"$set":         bson.M{"last_message_text": text, "last_message_time": at},
		"$setOnInsert": bson.M{"owner_id": ownerID, "other_user_id": otherID},
	}
	_, err := s.repo.UpdateOne(ctx, filter, update, true)
	if mongo.IsDuplicateKeyError(err) {
		// 已有更新的摘要
		return nil
	}
	return err
}

func (s *Summaries) IncrementUnread(ctx context.Context, ownerID, otherID, messageID string) (bool, error) {
	filter := NewFilter().
		Eq("_id", summaryID(ownerID, otherID)).
		Ne("applied_ids", messageID).
		Build()
	update := bson.M{
		"$inc":         bson.M{"unread_count": 1},
		"$push":        bson.M{"applied_ids": bson.M{"$each": bson.A{messageID}, "$slice": -store.AppliedWindow}},
		"$setOnInsert": bson.M{"owner_id": ownerID, "other_user_id": otherID},
	}
	res, err := s.repo.UpdateOne(ctx, filter, update, true)
	if mongo.IsDuplicateKeyError(err) {
		// 文档存在但 messageID 已计数
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
}

func (s *Summaries) ResetUnread(ctx context.Context, ownerID, otherID string) error {
	_, err := s.repo.UpdateOne(ctx,
		NewFilter().Eq("_id", summaryID(ownerID, otherID)).Build(),
		bson.M{"$set": bson.M{"unread_count": 0}}, false)
	return err
}

func (s *Summaries) Get(ctx context.Context, ownerID, otherID string) (models.ConversationSummary, error) {
	doc, err := s.repo.FindOne(ctx, NewFilter().Eq("_id", summaryID(ownerID, otherID)).Build())
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ConversationSummary{}, errs.NotFound("summary", summaryID(ownerID, otherID))
	}
	if err != nil {
		return models.ConversationSummary{}, errs.Transient("get summary", err)
	}
	out := doc.ConversationSummary
	out.AppliedMessageIDs = nil
	return out, nil
}

func (s *Summaries) List(ctx context.Context, ownerID string) ([]models.ConversationSummary, error) {
	docs, err := s.repo.FindAll(ctx, NewFilter().Eq("owner_id", ownerID).Build(), summaryOrder)
	if err != nil {
		return nil, classify("list summaries", err)
	}
	out := make([]models.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		cs := d.ConversationSummary
		cs.AppliedMessageIDs = nil
		out = append(out, cs)
	}
	return out, nil
}

// Subscribe 在每次变更后重新读取完整列表，只保留最新快照。
func (s *Summaries) Subscribe(ctx context.Context, ownerID string) (*store.Subscription[[]models.ConversationSummary], error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	cs, err := s.repo.Watch(watchCtx, bson.D{{Key: "fullDocument.owner_id", Value: ownerID}})
	if err != nil {
		cancel()
		return nil, errs.Transient("watch summaries", err)
	}
	first, err := s.List(ctx, ownerID)
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())
		return nil, err
	}
	feed := store.NewFeed[[]models.ConversationSummary]()
	feed.Push(first)

	go func() {
		defer feed.Close()
		defer cs.Close(context.Background())
		for cs.Next(watchCtx) {
			list, err := s.List(watchCtx, ownerID)
			if err != nil {
				log.Warn().Err(err).Str("owner_id", ownerID).Msg("summary reload")
				continue
			}
			feed.Replace(list)
		}
		if err := cs.Err(); err != nil && watchCtx.Err() == nil {
			log.Warn().Err(err).Str("owner_id", ownerID).Msg("summary stream ended")
		}
	}()
	return store.Bind(ctx, store.NewSubscription(feed, cancel)), nil
}
