package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"growhouse-go/types"
	"growhouse-go/x/timex"
)

// AllowSetpointWrite enforces the per-field write rate. It returns
// false when the previous write was less than 1/maxPerSecond ago;
// otherwise it stamps the limiter key and allows the write.
func (c *Cache) AllowSetpointWrite(ctx context.Context, z types.Zone, field string, maxPerSecond float64) (bool, error) {
	if maxPerSecond <= 0 {
		maxPerSecond = 1
	}
	interval := time.Duration(float64(time.Second) / maxPerSecond)
	key := keyRateLimit(z, field)

	now := timex.NowMs()
	last, err := c.kv.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if err == nil && now-last < interval.Milliseconds() {
		return false, nil
	}
	if err := c.kv.Set(ctx, key, now, TTLRateLimit).Err(); err != nil {
		return false, err
	}
	return true, nil
}
