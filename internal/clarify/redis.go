package clarify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrypster/entityres/internal/storage"
	"github.com/scrypster/entityres/pkg/types"
)

const redisTxAttempts = 5

// RedisStore keeps sessions in Redis so any replica can serve a
// clarification round-trip. Sessions are JSON values whose key TTL covers
// the open window plus the retention period; open sessions are also tracked
// in a sorted set scored by deadline for the sweeper.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix selects
// "entityres:clarify:".
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "entityres:clarify:"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) dueKey() string              { return r.prefix + "due" }

func (r *RedisStore) openKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return r.prefix + "open:" + hex.EncodeToString(sum[:])
}

func (r *RedisStore) Create(ctx context.Context, key string, s *types.ClarificationSession, now time.Time) (*types.ClarificationSession, bool, error) {
	openKey := r.openKey(key)
	var (
		out     *types.ClarificationSession
		created bool
	)
	txf := func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, openKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if id != "" {
			cur, err := r.load(ctx, tx, id)
			if err != nil && !errors.Is(err, types.ErrSessionNotFound) {
				return err
			}
			if cur != nil && cur.State == types.SessionOpen && !cur.ExpiredAt(now) {
				out, created = cur, false
				return nil
			}
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		openTTL := s.ExpiresAt.Sub(now)
		if openTTL <= 0 {
			openTTL = time.Millisecond
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, r.sessionKey(s.ID), data, openTTL+r.retention)
			p.Set(ctx, openKey, s.ID, openTTL)
			p.ZAdd(ctx, r.dueKey(), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
			return nil
		})
		if err == nil {
			out, created = cloneSession(s), true
		}
		return err
	}
	if err := r.watch(ctx, txf, openKey); err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.ClarificationSession, error) {
	s, err := r.load(ctx, r.client, id)
	if err != nil && !errors.Is(err, types.ErrSessionNotFound) {
		return nil, storage.Unavailable("clarify.Get", err)
	}
	return s, err
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(s *types.ClarificationSession) error) (*types.ClarificationSession, error) {
	key := r.sessionKey(id)
	var out *types.ClarificationSession
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			fnErr = err
			return nil
		}
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		ttl := r.retention
		if rem := time.Until(cur.ExpiresAt); !cur.State.Terminal() && rem > 0 {
			ttl += rem
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			if cur.State.Terminal() {
				p.ZRem(ctx, r.dueKey(), id)
			}
			return nil
		})
		if err == nil {
			out = cur
		}
		return err
	}
	if err := r.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	if fnErr != nil {
		return nil, fnErr
	}
	return out, nil
}

func (r *RedisStore) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, storage.Unavailable("clarify.Due", err)
	}
	return ids, nil
}

// Purge is a no-op: terminal sessions expire through their key TTL.
func (r *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) load(ctx context.Context, c getter, id string) (*types.ClarificationSession, error) {
	data, err := c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var s types.ClarificationSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

// watch runs txf under WATCH on keys, retrying lost optimistic races.
func (r *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxAttempts; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, types.ErrSessionNotFound):
			return err
		default:
			return storage.Unavailable("clarify.redis", err)
		}
	}
	return fmt.Errorf("%w: session store contention", types.ErrConcurrentModification)
}
