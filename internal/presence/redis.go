package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "presence:"

func hashKey(userID string) string     { return keyPrefix + userID }
func aliveKey(userID string) string    { return keyPrefix + userID + ":alive" }
func sessionsKey(userID string) string { return keyPrefix + userID + ":sessions" }
func eventsKey(userID string) string   { return keyPrefix + userID + ":events" }

func presenceKeys(userID string) []string {
	return []string{hashKey(userID), sessionsKey(userID), aliveKey(userID), eventsKey(userID)}
}

// KEYS: hash, sessions, alive, events；ARGV: session, beat_at(ms), ttl(ms), payload
// 用户此前不在线（或 alive 已过期）时置为在线并发布。
var onlineScript = redis.NewScript(`
local was = redis.call('HGET', KEYS[1], 'state') == 'online' and redis.call('EXISTS', KEYS[3]) == 1
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[3])
redis.call('HSET', KEYS[1], 'beat_at', ARGV[2])
if was then return 0 end
redis.call('HSET', KEYS[1], 'state', 'online', 'changed_at', ARGV[2], 'session', ARGV[1])
redis.call('PUBLISH', KEYS[4], ARGV[4])
return 1
`)

// KEYS: hash, sessions, alive, events；ARGV: session（空表示只检查）, changed_at(ms), payload
// 没有剩余会话时才置为离线。
var offlineScript = redis.NewScript(`
if ARGV[1] ~= '' and redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then return 0 end
if redis.call('ZCARD', KEYS[2]) > 0 then return 0 end
redis.call('DEL', KEYS[3])
if redis.call('HGET', KEYS[1], 'state') ~= 'online' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'offline', 'changed_at', ARGV[2])
redis.call('PUBLISH', KEYS[4], ARGV[3])
return 1
`)

// RedisStore 用哈希保存持久状态，有序集合保存会话及其最后心跳，带 TTL 的 alive 键表示
// 最近有会话心跳。进程崩溃后 alive 键过期，Get 立即视为离线，Sweep 再把哈希收敛为离线。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (r *RedisStore) SetOnline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	st := models.PresenceState{UserID: userID, State: models.StateOnline, LastChangedAt: at}
	payload, _ := json.Marshal(st)
	n, err := onlineScript.Run(ctx, r.rdb, presenceKeys(userID),
		sessionID, at.UnixMilli(), r.ttl.Milliseconds(), payload).Int()
	if err != nil {
		return false, errs.Transient("presence online", err)
	}
	return n == 1, nil
}

func (r *RedisStore) SetOffline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	st := models.PresenceState{UserID: userID, State: models.StateOffline, LastChangedAt: at}
	payload, _ := json.Marshal(st)
	n, err := offlineScript.Run(ctx, r.rdb, presenceKeys(userID),
		sessionID, at.UnixMilli(), payload).Int()
	if err != nil {
		return false, errs.Transient("presence offline", err)
	}
	return n == 1, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r *RedisStore) load(ctx context.Context, userID string) (models.PresenceState, time.Time, error) {
	vals, err := r.rdb.HGetAll(ctx, hashKey(userID)).Result()
	if err != nil {
		return models.PresenceState{}, time.Time{}, errs.Transient("presence get", err)
	}
	if len(vals) == 0 {
		return offline(userID), time.Time{}, nil
	}
	st := models.PresenceState{
		UserID:        userID,
		State:         vals["state"],
		LastChangedAt: parseMillis(vals["changed_at"]),
		SessionID:     vals["session"],
	}
	return st, parseMillis(vals["beat_at"]), nil
}

func (r *RedisStore) Get(ctx context.Context, userID string) (models.PresenceState, error) {
	st, beatAt, err := r.load(ctx, userID)
	if err != nil || !st.Online() {
		return st, err
	}
	alive, err := r.rdb.Exists(ctx, aliveKey(userID)).Result()
	if err != nil {
		return models.PresenceState{}, errs.Transient("presence get", err)
	}
	if alive == 0 {
		st.State = models.StateOffline
		st.LastChangedAt = beatAt
	}
	return st, nil
}

func (r *RedisStore) Subscribe(ctx context.Context, userID string) (*store.Subscription[models.PresenceState], error) {
	ps := r.rdb.Subscribe(ctx, eventsKey(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.Transient("presence subscribe", err)
	}
	first, err := r.Get(ctx, userID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	feed := store.NewFeed[models.PresenceState]()
	feed.Push(first)
	go func() {
		defer feed.Close()
		for m := range ps.Channel() {
			var st models.PresenceState
			if err := json.Unmarshal([]byte(m.Payload), &st); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("presence payload")
				continue
			}
			feed.Replace(st)
		}
	}()
	sub := store.NewSubscription(feed, func() { _ = ps.Close() })
	return store.Bind(ctx, sub), nil
}

func (r *RedisStore) Sweep(ctx context.Context, now time.Time) ([]models.PresenceState, error) {
	cutoff := strconv.FormatInt(now.Add(-r.ttl).UnixMilli(), 10)
	var flipped []models.PresenceState
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":alive") || strings.HasSuffix(key, ":sessions") {
			continue
		}
		userID := strings.TrimPrefix(key, keyPrefix)
		st, beatAt, err := r.load(ctx, userID)
		if err != nil || !st.Online() {
			continue
		}
		if err := r.rdb.ZRemRangeByScore(ctx, sessionsKey(userID), "-inf", "("+cutoff).Err(); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("presence sweep")
			continue
		}
		if beatAt.IsZero() {
			beatAt = now
		}
		ok, err := r.SetOffline(ctx, userID, "", beatAt)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("presence sweep")
			continue
		}
		if ok {
			flipped = append(flipped, models.PresenceState{UserID: userID, State: models.StateOffline, LastChangedAt: beatAt})
		}
	}
	if err := iter.Err(); err != nil {
		return flipped, errs.Transient("presence sweep", err)
	}
	return flipped, nil
}
