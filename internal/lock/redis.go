// Package lock provides a MarketLocker shared across processes through Redis.
package lock

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/engine"
)

// unlockLua deletes a lock key only if it still holds the caller's token, so
// a holder whose TTL lapsed cannot release someone else's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Config holds the Redis connection and locking parameters.
type Config struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool

	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
	// RetryBase and RetryMax bound the backoff between acquire attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// RedisLocker implements engine.MarketLocker with SET NX and a TTL. Lock
// retries with capped exponential backoff until the key is free or the
// context is done.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	cfg      Config
	log      zerolog.Logger
}

var _ engine.MarketLocker = (*RedisLocker)(nil)

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg Config, log zerolog.Logger) (*RedisLocker, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return newRedisLocker(rdb, cfg, log), nil
}

func newRedisLocker(rdb *redis.Client, cfg Config, log zerolog.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		cfg:      cfg,
		log:      log,
	}
}

func lockKey(key string) string {
	return "opinionmarket:lock:" + key
}

// Lock blocks until key is acquired or ctx is done. The returned unlock
// function is safe to call more than once.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(backoff(attempt, l.cfg.RetryBase, l.cfg.RetryMax))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("key", key).Msg("lock-release-failed")
			}
		})
	}
	return unlock, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

// backoff returns base*2^attempt capped at ceiling.
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return ceiling
	}
	d := base * time.Duration(1<<attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
