package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps concurrent call placements across processes using Redis counters.
type Limiter struct {
	client       redis.Scripter
	defaultLimit int
	ttl          time.Duration
	pollInterval time.Duration
}

// NewLimiter constructs a concurrency limiter.
func NewLimiter(client redis.Scripter, defaultLimit int, ttl, pollInterval time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, ttl: ttl, pollInterval: pollInterval}
}

// Acquire attempts to reserve a slot under key. A non-positive limit disables the check.
func (l *Limiter) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	if key == "" {
		return true, nil
	}
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit <= 0 {
		return true, nil
	}

	res, err := acquireScript.Run(ctx, l.client, []string{l.key(key)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// Wait polls until a slot is acquired or ctx ends. The returned release func is never nil.
func (l *Limiter) Wait(ctx context.Context, key string, limit int) (func(context.Context) error, error) {
	for {
		acquired, err := l.Acquire(ctx, key, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if acquired {
			return func(rctx context.Context) error { return l.Release(rctx, key) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Active returns the current number of slots held under key.
func (l *Limiter) Active(ctx context.Context, key string) (int, error) {
	getter, ok := l.client.(redis.Cmdable)
	if !ok {
		return 0, fmt.Errorf("concurrency active: client cannot read keys")
	}
	n, err := getter.Get(ctx, l.key(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("concurrency active: %w", err)
	}
	return n, nil
}

func (l *Limiter) key(key string) string {
	return fmt.Sprintf("outbound:dialer:%s:active", key)
}
