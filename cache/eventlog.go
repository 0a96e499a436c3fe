package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event log entry types.
const (
	EventCAN        = "can"
	EventSoil       = "soil"
	EventAutomation = "automation"
)

// AppendCAN logs one decoded CAN frame: the raw payload as hex plus the
// decoded readings as JSON. The stream is capped with approximate
// trimming so appends stay O(1).
func (c *Cache) AppendCAN(ctx context.Context, ts time.Time, id uint32, data []byte, decoded any) error {
	blob, err := json.Marshal(decoded)
	if err != nil {
		return err
	}
	return c.xadd(ctx, map[string]any{
		"ts":      ts.UnixMilli(),
		"type":    EventCAN,
		"id":      strconv.FormatUint(uint64(id), 16),
		"data":    hex.EncodeToString(data),
		"decoded": blob,
	})
}

// AppendSoil logs one soil probe poll.
func (c *Cache) AppendSoil(ctx context.Context, ts time.Time, probe string, readings map[string]float64) error {
	blob, err := json.Marshal(readings)
	if err != nil {
		return err
	}
	return c.xadd(ctx, map[string]any{
		"ts":       ts.UnixMilli(),
		"type":     EventSoil,
		"probe":    probe,
		"readings": blob,
	})
}

// AppendAutomation logs one control decision.
func (c *Cache) AppendAutomation(ctx context.Context, ts time.Time, zone, device string, state int, reason string) error {
	return c.xadd(ctx, map[string]any{
		"ts":     ts.UnixMilli(),
		"type":   EventAutomation,
		"zone":   zone,
		"device": device,
		"state":  state,
		"reason": reason,
	})
}

func (c *Cache) xadd(ctx context.Context, values map[string]any) error {
	return c.raw.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		MaxLen: EventStreamCap,
		Approx: true,
		Values: values,
	}).Err()
}
