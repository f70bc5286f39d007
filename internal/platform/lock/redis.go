package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

const defaultRetry = 50 * time.Millisecond

// Redis is a Locker shared by every instance pointing at the same Redis.
// Holds expire after ttl so a crashed holder cannot wedge a key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	logger zerolog.Logger
}

func NewRedis(client redis.UniversalClient, ttl, wait time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: "scheduler:lock:",
		ttl:    ttl,
		wait:   wait,
		retry:  defaultRetry,
		logger: logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	k := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			r.logger.Debug().Str("key", key).Dur("ttl", r.ttl).Msg("lock acquired")
			return r.unlock(k, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}

// unlock releases at most once; later calls are no-ops.
func (r *Redis) unlock(k, token string) Unlock {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = r.release(ctx, k, token) })
		return err
	}
}

func (r *Redis) release(ctx context.Context, k, token string) error {
	n, err := releaseScript.Run(context.WithoutCancel(ctx), r.client, []string{k}, token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", k, err)
	}
	if n == 0 {
		r.logger.Warn().Str("key", k).Msg("lock expired before release")
	}
	return nil
}
