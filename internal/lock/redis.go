package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/observability"
)

// releaseScript deletes the key only while it still carries our token, so a
// lease that expired and was re-acquired elsewhere is left untouched.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager is a lease lock shared by every process using the same Redis.
type RedisManager struct {
	rdb  *redis.Client
	poll time.Duration
	log  *logrus.Logger
}

func NewRedisManager(rdb *redis.Client, poll time.Duration, log *logrus.Logger) *RedisManager {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &RedisManager{rdb: rdb, poll: poll, log: log}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	start := time.Now()
	token := uuid.NewString()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: waiting for %s: %w", models.ErrLockTimeout, key, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			observability.LockWait.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			return &redisHandle{m: m, key: key, token: token, acquired: time.Now()}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %w", models.ErrLockTimeout, key, ctx.Err())
		}
	}
}

type redisHandle struct {
	m        *RedisManager
	key      string
	token    string
	acquired time.Time
	released bool
}

func (h *redisHandle) Key() string { return h.key }

func (h *redisHandle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true
	n, err := releaseScript.Run(ctx, h.m.rdb, []string{h.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", h.key, err)
	}
	if n == 0 {
		observability.LockExpirations.WithLabelValues("redis").Inc()
		h.m.log.WithFields(logrus.Fields{
			"key":     h.key,
			"held_ms": time.Since(h.acquired).Milliseconds(),
		}).Warn("lock ttl expired before release")
	}
	return nil
}
