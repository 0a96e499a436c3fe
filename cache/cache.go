// Package cache is the live state shared between the ingest and control
// services: short-TTL sensor values, zone modes, alarms, failsafe
// latches, heartbeats and the bounded raw event log. Everything here is
// advisory; the persistent store is the system of record.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"growhouse-go/types"
	"growhouse-go/x/timex"
)

// Options selects the cache endpoint.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps two connection handles: kv for decoded-text state keys,
// raw for the binary event log.
type Cache struct {
	kv  *redis.Client
	raw *redis.Client
	log zerolog.Logger
}

// New builds the two handles. No I/O happens until the first call;
// use Ping to probe.
func New(opts Options, log zerolog.Logger) *Cache {
	mk := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return &Cache{kv: mk(), raw: mk(), log: log.With().Str("component", "cache").Logger()}
}

// Ping probes both handles.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.kv.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return c.raw.Ping(ctx).Err()
}

// Close releases both handles.
func (c *Cache) Close() error {
	err1 := c.kv.Close()
	err2 := c.raw.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// -----------------------------------------------------------------------------
// Sensor values
// -----------------------------------------------------------------------------

// SetSensor publishes one live reading: value and producer timestamp,
// both with the sensor TTL.
func (c *Cache) SetSensor(ctx context.Context, name string, value float64, ts time.Time) error {
	pipe := c.kv.Pipeline()
	pipe.Set(ctx, keySensor(name), formatFloat(value), TTLSensor)
	pipe.Set(ctx, keySensorTS(name), ts.UnixMilli(), TTLSensor)
	_, err := pipe.Exec(ctx)
	return err
}

// Sensor reads one live value; ok=false when expired or never written.
func (c *Cache) Sensor(ctx context.Context, name string) (float64, bool, error) {
	v, err := c.kv.Get(ctx, keySensor(name)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SensorTS reads the producer timestamp (ms) for a live value.
func (c *Cache) SensorTS(ctx context.Context, name string) (int64, bool, error) {
	v, err := c.kv.Get(ctx, keySensorTS(name)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SensorValue is one entry of a live snapshot.
type SensorValue struct {
	Value float64 `json:"value"`
	TS    int64   `json:"ts_ms"`
	Stale bool    `json:"stale"`
}

// Snapshot bulk-reads named sensors; missing sensors are omitted and
// values older than StaleAfter are flagged.
func (c *Cache) Snapshot(ctx context.Context, names []string) (map[string]SensorValue, error) {
	if len(names) == 0 {
		return map[string]SensorValue{}, nil
	}
	keys := make([]string, 0, len(names)*2)
	for _, n := range names {
		keys = append(keys, keySensor(n), keySensorTS(n))
	}
	vals, err := c.kv.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	now := timex.NowMs()
	out := make(map[string]SensorValue, len(names))
	for i, n := range names {
		raw := vals[i*2]
		if raw == nil {
			continue
		}
		f, err := strconv.ParseFloat(raw.(string), 64)
		if err != nil {
			continue
		}
		sv := SensorValue{Value: f}
		if tsRaw := vals[i*2+1]; tsRaw != nil {
			if ts, err := strconv.ParseInt(tsRaw.(string), 10, 64); err == nil {
				sv.TS = ts
				sv.Stale = now-ts > StaleAfter.Milliseconds()
			}
		}
		out[n] = sv
	}
	return out, nil
}

// SetLastGood records a fallback copy of a reading with a TTL slightly
// beyond the hold period.
func (c *Cache) SetLastGood(ctx context.Context, z types.Zone, name string, value float64, ts time.Time, hold time.Duration) error {
	blob, err := json.Marshal(types.LastGood{Value: value, TS: ts.UnixMilli()})
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, keyLastGood(z, name), blob, hold+10*time.Second).Err()
}

// LastGood reads the fallback copy.
func (c *Cache) LastGood(ctx context.Context, z types.Zone, name string) (types.LastGood, bool, error) {
	var lg types.LastGood
	ok, err := c.getJSON(ctx, keyLastGood(z, name), &lg)
	return lg, ok, err
}

// -----------------------------------------------------------------------------
// Zone mode, failsafe, alarms
// -----------------------------------------------------------------------------

// Mode reads a zone's operating mode; absence means auto.
func (c *Cache) Mode(ctx context.Context, z types.Zone) (types.OpMode, error) {
	v, err := c.kv.Get(ctx, keyMode(z)).Result()
	if err == redis.Nil {
		return types.OpAuto, nil
	}
	if err != nil {
		return types.OpAuto, err
	}
	return types.OpMode(v), nil
}

// SetMode writes a zone's operating mode with the mode TTL.
func (c *Cache) SetMode(ctx context.Context, z types.Zone, m types.OpMode) error {
	return c.kv.Set(ctx, keyMode(z), string(m), TTLMode).Err()
}

// SetFailsafe latches the failsafe record (no TTL).
func (c *Cache) SetFailsafe(ctx context.Context, z types.Zone, rec types.FailsafeRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, keyFailsafe(z), blob, 0).Err()
}

// Failsafe reads the latch.
func (c *Cache) Failsafe(ctx context.Context, z types.Zone) (types.FailsafeRecord, bool, error) {
	var rec types.FailsafeRecord
	ok, err := c.getJSON(ctx, keyFailsafe(z), &rec)
	return rec, ok, err
}

// ClearFailsafe removes the latch.
func (c *Cache) ClearFailsafe(ctx context.Context, z types.Zone) error {
	return c.kv.Del(ctx, keyFailsafe(z)).Err()
}

// SetAlarm upserts one alarm blob (no TTL).
func (c *Cache) SetAlarm(ctx context.Context, z types.Zone, name string, a types.Alarm) error {
	blob, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, keyAlarm(z, name), blob, 0).Err()
}

// Alarm reads one alarm blob.
func (c *Cache) Alarm(ctx context.Context, z types.Zone, name string) (types.Alarm, bool, error) {
	var a types.Alarm
	ok, err := c.getJSON(ctx, keyAlarm(z, name), &a)
	return a, ok, err
}

// Alarms scans a zone's alarms, keyed by alarm name.
func (c *Cache) Alarms(ctx context.Context, z types.Zone) (map[string]types.Alarm, error) {
	prefix := alarmPrefix(z)
	out := make(map[string]types.Alarm)
	iter := c.kv.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		var a types.Alarm
		ok, err := c.getJSON(ctx, key, &a)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key[len(prefix):]] = a
		}
	}
	return out, iter.Err()
}

// -----------------------------------------------------------------------------
// Automation, lights, setpoints, PID
// -----------------------------------------------------------------------------

// SetAutomation publishes a device's latest control decision.
func (c *Cache) SetAutomation(ctx context.Context, z types.Zone, device string, st types.AutomationStatus) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, keyAutomation(z, device), blob, TTLAutomation).Err()
}

// Automation reads a device's latest control decision.
func (c *Cache) Automation(ctx context.Context, z types.Zone, device string) (types.AutomationStatus, bool, error) {
	var st types.AutomationStatus
	ok, err := c.getJSON(ctx, keyAutomation(z, device), &st)
	return st, ok, err
}

// SetLight records a dimmable light's commanded intensity (no TTL, so
// it survives restarts).
func (c *Cache) SetLight(ctx context.Context, z types.Zone, device string, percent float64) error {
	return c.kv.Set(ctx, keyLight(z, device), formatFloat(percent), 0).Err()
}

// Light reads the last commanded intensity.
func (c *Cache) Light(ctx context.Context, z types.Zone, device string) (float64, bool, error) {
	v, err := c.kv.Get(ctx, keyLight(z, device)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetDACSafety records the safety level written to a DAC board's EEPROM
// (no TTL) so restarts can skip the write-limited store cycle.
func (c *Cache) SetDACSafety(ctx context.Context, boardID int, percent float64) error {
	return c.kv.Set(ctx, keyDACSafety(boardID), formatFloat(percent), 0).Err()
}

// DACSafety reads the last EEPROM-persisted safety level for a board.
func (c *Cache) DACSafety(ctx context.Context, boardID int) (float64, bool, error) {
	v, err := c.kv.Get(ctx, keyDACSafety(boardID)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetSetpointField mirrors one mutated setpoint field with its source.
func (c *Cache) SetSetpointField(ctx context.Context, z types.Zone, field string, value float64, source string) error {
	pipe := c.kv.Pipeline()
	pipe.Set(ctx, keySetpoint(z, field), formatFloat(value), TTLSetpoint)
	src, err := json.Marshal(types.SetpointSource{Source: source, TS: timex.NowMs()})
	if err != nil {
		return err
	}
	pipe.Set(ctx, keySetpointSource(z), src, TTLSetpoint)
	_, err = pipe.Exec(ctx)
	return err
}

// SetpointField reads one mirrored setpoint field.
func (c *Cache) SetpointField(ctx context.Context, z types.Zone, field string) (float64, bool, error) {
	v, err := c.kv.Get(ctx, keySetpoint(z, field)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetPIDParams caches gains for a device type.
func (c *Cache) SetPIDParams(ctx context.Context, dt types.DeviceType, p types.PIDParams) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, keyPIDParams(dt), blob, TTLPIDParams).Err()
}

// PIDParams reads cached gains for a device type.
func (c *Cache) PIDParams(ctx context.Context, dt types.DeviceType) (types.PIDParams, bool, error) {
	var p types.PIDParams
	ok, err := c.getJSON(ctx, keyPIDParams(dt), &p)
	return p, ok, err
}

// -----------------------------------------------------------------------------
// Heartbeats
// -----------------------------------------------------------------------------

// Heartbeat stamps a service's liveness key with the given TTL.
func (c *Cache) Heartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return c.kv.Set(ctx, keyHeartbeat(service), timex.NowMs(), ttl).Err()
}

// HeartbeatAlive reports whether a service's liveness key exists.
func (c *Cache) HeartbeatAlive(ctx context.Context, service string) (bool, error) {
	n, err := c.kv.Exists(ctx, keyHeartbeat(service)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func (c *Cache) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	blob, err := c.kv.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
