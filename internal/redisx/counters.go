package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters is the redis-backed capacity.CounterStore. INCR is atomic across
// any number of API instances, and date-scoped keys with a TTL make the
// daily reset implicit.
type Counters struct {
	RDB *redis.Client
}

func counterKey(locationID string, day time.Time) string {
	return fmt.Sprintf(KeyCapacityCounter, locationID, day.UTC().Format("2006-01-02"))
}

func (c *Counters) IncrementDaily(ctx context.Context, locationID string, day time.Time) (int, error) {
	key := counterKey(locationID, day)
	n, err := c.RDB.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		_ = c.RDB.Expire(ctx, key, TTLCapacityCounter).Err()
	}
	return int(n), nil
}

func (c *Counters) DailyCount(ctx context.Context, locationID string, day time.Time) (int, error) {
	n, err := c.RDB.Get(ctx, counterKey(locationID, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
