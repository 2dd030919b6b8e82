package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// PushLimiter serializes writes to the channel and enforces the upstream's
// minimum spacing between them. Wait blocks until the next write is allowed
// or ctx is done. Only the reconciliation path waits on it; checkpoint scans
// never touch the limiter.
type PushLimiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter enforces the spacing within a single process. Correct for
// single-replica deployments; with multiple replicas use RedisLimiter so the
// spacing holds across all of them.
type LocalLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastPush    time.Time
}

// NewLocalLimiter creates a LocalLimiter with the given minimum spacing
func NewLocalLimiter(minInterval time.Duration) *LocalLimiter {
	return &LocalLimiter{minInterval: minInterval}
}

// Wait blocks until minInterval has elapsed since the previous permitted
// write. The mutex is held across the sleep, which is what serializes
// concurrent callers: each one in turn inherits a fresh spacing window.
func (l *LocalLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	wait := time.Until(l.lastPush.Add(l.minInterval))
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.lastPush = time.Now()
	return nil
}

// RedisLimiter enforces the spacing across replicas using a GCRA rate limit
// in Redis: one write per minInterval, burst one, shared by every process
// that pushes to the same channel.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	key     string
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a RedisLimiter keyed by channel id
func NewRedisLimiter(rdb *redis.Client, channelID string, minInterval time.Duration) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		key:     "feed_push:" + channelID,
		limit: redis_rate.Limit{
			Rate:   1,
			Period: minInterval,
			Burst:  1,
		},
	}
}

// Wait polls the shared limiter until a slot is granted or ctx is done.
// A Redis failure surfaces as an error; the caller treats the push as failed
// (non-fatal) rather than writing without spacing.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.limiter.Allow(ctx, l.key, l.limit)
		if err != nil {
			return fmt.Errorf("feed push limiter unavailable: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		retry := res.RetryAfter
		if retry <= 0 {
			retry = 100 * time.Millisecond
		}
		timer := time.NewTimer(retry)
		select {
		case <-timer.C:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
