// Package heartbeat refreshes a service's liveness key in the live
// cache so peers can alarm on its absence. The key carries a TTL; the
// beat runs at half that, so one missed write never reads as death.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"growhouse-go/cache"
)

// Beat periodically rewrites heartbeat:<name>.
type Beat struct {
	cache    *cache.Cache
	name     string
	ttl      time.Duration
	interval time.Duration
	log      zerolog.Logger
}

// New prepares a beat for one service name. ttl zero defaults to the
// producer TTL.
func New(c *cache.Cache, name string, ttl time.Duration, log zerolog.Logger) *Beat {
	if ttl <= 0 {
		ttl = cache.TTLHeartbeatProducer
	}
	return &Beat{
		cache:    c,
		name:     name,
		ttl:      ttl,
		interval: ttl / 2,
		log:      log.With().Str("service", "heartbeat").Str("name", name).Logger(),
	}
}

// Run writes one beat immediately and then every half-TTL until ctx
// ends. Write failures are logged and retried on the next tick; the
// key simply lapses meanwhile, which is the signal peers act on.
func (b *Beat) Run(ctx context.Context) error {
	b.pulse(ctx)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.pulse(ctx)
		}
	}
}

func (b *Beat) pulse(ctx context.Context) {
	if err := b.cache.Heartbeat(ctx, b.name, b.ttl); err != nil {
		b.log.Warn().Err(err).Msg("heartbeat write failed")
	}
}
