package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second

	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
)

// Repository 对单个集合提供泛型读写，所有写操作带超时与指数退避重试。
type Repository[T any] struct {
	collection *mongo.Collection
}

func NewRepository[T any](db *mongo.Database, collectionName string) *Repository[T] {
	return &Repository[T]{collection: db.Collection(collectionName)}
}

func (r *Repository[T]) Collection() *mongo.Collection { return r.collection }

func (r *Repository[T]) FindOne(ctx context.Context, filter bson.M) (*T, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	var doc T
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *Repository[T]) FindAll(ctx context.Context, filter bson.M, sort bson.D) ([]T, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()
	opts := options.Find()
	if len(sort) > 0 {
		opts.SetSort(sort)
	}
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	results := make([]T, 0)
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Repository[T]) Create(ctx context.Context, doc T) error {
	return withRetry(ctx, "insert "+r.collection.Name(), func(ctx context.Context) error {
		_, err := r.collection.InsertOne(ctx, doc)
		return err
	})
}

func (r *Repository[T]) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*mongo.UpdateResult, error) {
	var res *mongo.UpdateResult
	err := withRetry(ctx, "update "+r.collection.Name(), func(ctx context.Context) error {
		var err error
		res, err = r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
		return err
	})
	return res, err
}

func (r *Repository[T]) UpdateMany(ctx context.Context, filter, update bson.M) (*mongo.UpdateResult, error) {
	var res *mongo.UpdateResult
	err := withRetry(ctx, "update many "+r.collection.Name(), func(ctx context.Context) error {
		var err error
		res, err = r.collection.UpdateMany(ctx, filter, update)
		return err
	})
	return res, err
}

// Watch 打开 change stream，始终携带 fullDocument。
func (r *Repository[T]) Watch(ctx context.Context, match bson.D) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	return r.collection.Watch(ctx, pipeline, opts)
}

// changeEvent 是 change stream 中我们关心的字段。
type changeEvent[T any] struct {
	OperationType string `bson:"operationType"`
	FullDocument  *T     `bson:"fullDocument"`
}

func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, attempt); err != nil {
				return errs.Transient(op, err)
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			break
		}
		log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt+1).Msg("mongo retry")
	}
	return classify(op, lastErr)
}

// classify 把驱动错误映射到错误分类；重复键留给调用方自行判断。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &errs.Error{Kind: errs.ErrNotFound, Op: op, Err: err}
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return errs.Transient(op, err)
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}
