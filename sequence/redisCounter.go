package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Seeder is the durable copy of the counters. Current supplies the value a counter
// continues from when its Redis key is missing (first run, or Redis lost its data);
// Advance records every value Redis hands out.
type Seeder interface {
	Current(ctx context.Context, name string) (int64, error)
	Advance(ctx context.Context, name string, value int64) error
}

// RedisCounter uses INCR, which is atomic across instances. A missing key is seeded
// under a redislock so no instance increments before the seed is in place. Each value
// is written through to the Seeder before it is returned, so a Redis flush or a
// fallback to DBCounter continues past it.
type RedisCounter struct {
	Client    *redis.Client
	Locker    *redislock.Client
	Seed      Seeder
	KeyPrefix string
}

func NewRedisCounter(client *redis.Client, locker *redislock.Client, seed Seeder) *RedisCounter {
	return &RedisCounter{
		Client:    client,
		Locker:    locker,
		Seed:      seed,
		KeyPrefix: "seq:",
	}
}

func (c *RedisCounter) Increment(ctx context.Context, name string) (int64, error) {
	if c.Client == nil {
		return 0, errors.New("redis client is nil")
	}
	key := c.KeyPrefix + name
	if err := c.ensureSeeded(ctx, key, name); err != nil {
		return 0, err
	}
	value, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if c.Seed != nil {
		if err := c.Seed.Advance(ctx, name, value); err != nil {
			return 0, fmt.Errorf("persist %s counter %d: %w", name, value, err)
		}
	}
	return value, nil
}

func (c *RedisCounter) ensureSeeded(ctx context.Context, key, name string) error {
	if c.Seed == nil {
		return nil
	}
	n, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if c.Locker != nil {
		lock, err := c.Locker.Obtain(ctx, "lock:"+key, 10*time.Second, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
		})
		if err != nil {
			return fmt.Errorf("obtain seed lock for %s: %w", name, err)
		}
		defer lock.Release(ctx)
	}

	current, err := c.Seed.Current(ctx, name)
	if err != nil {
		return fmt.Errorf("read seed for %s: %w", name, err)
	}
	// SETNX keeps whatever another instance already seeded.
	return c.Client.SetNX(ctx, key, current, 0).Err()
}
