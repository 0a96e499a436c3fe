package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"growhouse-go/types"
)

var (
	zoneFront = types.Zone{Location: "Flower Room", Cluster: "front"}
	zoneVeg   = types.Zone{Location: "Veg Room", Cluster: "main"}
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c := New(Options{Addr: srv.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestSensor_RoundTripAndExpiry(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	ts := time.Now()
	if err := c.SetSensor(ctx, "dry_bulb_f", 23.45, ts); err != nil {
		t.Fatal(err)
	}
	v, ok, err := c.Sensor(ctx, "dry_bulb_f")
	if err != nil || !ok || v != 23.45 {
		t.Fatalf("Sensor = %v, %v, %v", v, ok, err)
	}
	ms, ok, err := c.SensorTS(ctx, "dry_bulb_f")
	if err != nil || !ok || ms != ts.UnixMilli() {
		t.Fatalf("SensorTS = %v, %v, %v", ms, ok, err)
	}

	srv.FastForward(11 * time.Second)
	if _, ok, _ := c.Sensor(ctx, "dry_bulb_f"); ok {
		t.Fatal("sensor value should expire after 10 s")
	}
}

func TestSensor_AbsentIsNotAnError(t *testing.T) {
	c, _ := newTestCache(t)
	v, ok, err := c.Sensor(context.Background(), "nope")
	if err != nil || ok || v != 0 {
		t.Fatalf("absent sensor = %v, %v, %v", v, ok, err)
	}
}

func TestSnapshot_FlagsStaleValues(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.SetSensor(ctx, "co2_b", 812, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSensor(ctx, "rh_v", 55.1, time.Now().Add(-40*time.Second)); err != nil {
		t.Fatal(err)
	}

	snap, err := c.Snapshot(ctx, []string{"co2_b", "rh_v", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap["co2_b"].Stale {
		t.Error("fresh reading flagged stale")
	}
	if !snap["rh_v"].Stale {
		t.Error("40s-old reading should be stale")
	}
}

func TestMode_DefaultsToAuto(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	m, err := c.Mode(ctx, zoneFront)
	if err != nil || m != types.OpAuto {
		t.Fatalf("Mode = %v, %v; want auto", m, err)
	}
	if err := c.SetMode(ctx, zoneFront, types.OpFailsafe); err != nil {
		t.Fatal(err)
	}
	m, _ = c.Mode(ctx, zoneFront)
	if m != types.OpFailsafe {
		t.Fatalf("Mode = %v, want failsafe", m)
	}
}

func TestFailsafe_LatchRoundTrip(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	rec := types.FailsafeRecord{Reason: "co2_sensor_offline", TriggeredBy: "co2_b", Since: 1234}
	if err := c.SetFailsafe(ctx, zoneFront, rec); err != nil {
		t.Fatal(err)
	}
	// failsafe has no TTL and must outlive the mode key
	srv.FastForward(10 * time.Minute)
	got, ok, err := c.Failsafe(ctx, zoneFront)
	if err != nil || !ok || got != rec {
		t.Fatalf("Failsafe = %+v, %v, %v", got, ok, err)
	}
	if err := c.ClearFailsafe(ctx, zoneFront); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Failsafe(ctx, zoneFront); ok {
		t.Fatal("failsafe should be cleared")
	}
}

func TestAlarms_ScanPerZone(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	a := types.Alarm{Severity: types.SeverityWarning, Message: "m", Since: 1, Active: true}
	if err := c.SetAlarm(ctx, zoneFront, "co2_sensor_offline", a); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAlarm(ctx, zoneFront, "high_temp", a); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAlarm(ctx, zoneVeg, "high_temp", a); err != nil {
		t.Fatal(err)
	}

	got, err := c.Alarms(ctx, zoneFront)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("alarms = %d, want 2", len(got))
	}
	if _, ok := got["co2_sensor_offline"]; !ok {
		t.Fatalf("missing alarm key, got %v", got)
	}
}

func TestLastGood_TTLTracksHoldPeriod(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	if err := c.SetLastGood(ctx, zoneVeg, "co2_v", 950, time.Now(), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	lg, ok, err := c.LastGood(ctx, zoneVeg, "co2_v")
	if err != nil || !ok || lg.Value != 950 {
		t.Fatalf("LastGood = %+v, %v, %v", lg, ok, err)
	}
	srv.FastForward(41 * time.Second)
	if _, ok, _ := c.LastGood(ctx, zoneVeg, "co2_v"); ok {
		t.Fatal("last_good should expire after hold+10s")
	}
}

func TestLight_SurvivesIndefinitely(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	if err := c.SetLight(ctx, zoneFront, "light_1", 72.5); err != nil {
		t.Fatal(err)
	}
	srv.FastForward(24 * time.Hour)
	v, ok, err := c.Light(ctx, zoneFront, "light_1")
	if err != nil || !ok || v != 72.5 {
		t.Fatalf("Light = %v, %v, %v", v, ok, err)
	}
}

func TestPIDParams_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	want := types.PIDParams{Kp: 4, Ki: 0.02, Kd: 1.5}
	if err := c.SetPIDParams(ctx, types.DeviceHeater, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.PIDParams(ctx, types.DeviceHeater)
	if err != nil || !ok || got != want {
		t.Fatalf("PIDParams = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := c.PIDParams(ctx, types.DeviceFan); ok {
		t.Fatal("unset device type should report !ok")
	}
}

func TestHeartbeat_Expiry(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	if err := c.Heartbeat(ctx, "can_producer", TTLHeartbeatProducer); err != nil {
		t.Fatal(err)
	}
	alive, err := c.HeartbeatAlive(ctx, "can_producer")
	if err != nil || !alive {
		t.Fatalf("HeartbeatAlive = %v, %v", alive, err)
	}
	srv.FastForward(11 * time.Second)
	alive, _ = c.HeartbeatAlive(ctx, "can_producer")
	if alive {
		t.Fatal("heartbeat should expire")
	}
}

func TestRateLimiter_RejectsBurst(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AllowSetpointWrite(ctx, zoneFront, "co2", 1)
	if err != nil || !ok {
		t.Fatalf("first write = %v, %v; want allowed", ok, err)
	}
	ok, err = c.AllowSetpointWrite(ctx, zoneFront, "co2", 1)
	if err != nil || ok {
		t.Fatalf("burst write = %v, %v; want rejected", ok, err)
	}
	// each field keeps its own limiter
	ok, _ = c.AllowSetpointWrite(ctx, zoneFront, "humidity", 1)
	if !ok {
		t.Fatal("one field's limiter must not throttle another")
	}
	srv.FastForward(3 * time.Second)
	ok, _ = c.AllowSetpointWrite(ctx, zoneFront, "co2", 1)
	if !ok {
		t.Fatal("write after limiter expiry should be allowed")
	}
}

func TestEventLog_AppendsTypedEntries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.AppendCAN(ctx, time.UnixMilli(1000), 0x101, []byte{0x09, 0x06}, map[string]float64{"dry_bulb_f": 23.1}); err != nil {
		t.Fatal(err)
	}
	if err := c.AppendSoil(ctx, time.UnixMilli(2000), "bed_1", map[string]float64{"soil_ph_1": 6.1}); err != nil {
		t.Fatal(err)
	}
	if err := c.AppendAutomation(ctx, time.UnixMilli(3000), zoneFront.Key(), "heater_1", 1, "pid"); err != nil {
		t.Fatal(err)
	}

	entries, err := c.raw.XRange(ctx, EventStream, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("stream length = %d, want 3", len(entries))
	}
	first := entries[0].Values
	if first["type"] != EventCAN || first["data"] != "0906" || first["id"] != "101" {
		t.Fatalf("can entry = %v", first)
	}
	last := entries[2].Values
	if last["type"] != EventAutomation || last["device"] != "heater_1" || last["reason"] != "pid" {
		t.Fatalf("automation entry = %v", last)
	}
}
