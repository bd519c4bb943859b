package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig tunes the distributed locker.
type RedisConfig struct {
	// Prefix namespaces lock keys. Default: "entityres:lock:"
	Prefix string

	// TTL bounds how long a crashed holder can block others. Default: 10s
	TTL time.Duration

	// RetryInterval is the pause between acquisition attempts. Default: 25ms
	RetryInterval time.Duration
}

// Redis is a Locker backed by github.com/bsm/redislock. Waiting is bounded
// by the caller's context.
type Redis struct {
	locker *redislock.Client
	cfg    RedisConfig
	log    logrus.FieldLogger
}

var _ Locker = (*Redis)(nil)

// NewRedis wraps an existing go-redis client.
func NewRedis(client *redis.Client, cfg RedisConfig, log logrus.FieldLogger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "entityres:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{locker: redislock.New(client), cfg: cfg, log: log}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := r.locker.Obtain(ctx, r.cfg.Prefix+key, r.cfg.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.cfg.RetryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Join(ErrNotObtained, ctxErr)
		}
		return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
	}

	return func() {
		// Release with a fresh context so a cancelled request still frees
		// the key before its TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lk.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("failed to release redis lock")
		}
	}, nil
}
