package mongostore

import (
	"context"
	"errors"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// likeDoc 以会话 id 为主键，likes 记录每一方是否喜欢对方。
type likeDoc struct {
	ID    string          `bson:"_id"`
	Likes map[string]bool `bson:"likes"`
}

type Matches struct {
	repo *Repository[likeDoc]
}

var _ store.MatchStore = (*Matches)(nil)

func NewMatches(db *mongo.Database) *Matches {
	return &Matches{repo: NewRepository[likeDoc](db, "likes")}
}

func (m *Matches) Like(ctx context.Context, fromID, toID string) error {
	_, err := m.repo.UpdateOne(ctx,
		NewFilter().Eq("_id", chatid.Canonical(fromID, toID)).Build(),
		bson.M{"$set": bson.M{"likes." + fromID: true}}, true)
	return err
}

func (m *Matches) Mutual(ctx context.Context, a, b string) (bool, error) {
	doc, err := m.repo.FindOne(ctx, NewFilter().Eq("_id", chatid.Canonical(a, b)).Build())
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errs.Transient("mutual like", err)
	}
	return doc.Likes[a] && doc.Likes[b], nil
}
