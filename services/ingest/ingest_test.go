package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"growhouse-go/bus"
	"growhouse-go/cache"
	"growhouse-go/config"
	"growhouse-go/drivers/canbus"
	"growhouse-go/metar"
	"growhouse-go/metrics"
	"growhouse-go/store"
	"growhouse-go/types"
)

const ingestYAML = `
database:
  dsn: postgres://localhost/growhouse_test
hardware:
  simulation: true
`

// ---- fakes ----

type fakePersist struct {
	mu         sync.Mutex
	nextID     int64
	rooms      map[string]int64
	racks      map[string]int64
	devices    map[string]int64
	sensors    map[string]int64
	units      map[string]string
	rackless   map[string]bool
	rows       []store.Measurement
	failWrites int
	reconnects int
}

func newFakePersist() *fakePersist {
	return &fakePersist{
		rooms:    make(map[string]int64),
		racks:    make(map[string]int64),
		devices:  make(map[string]int64),
		sensors:  make(map[string]int64),
		units:    make(map[string]string),
		rackless: make(map[string]bool),
	}
}

func (f *fakePersist) id(m map[string]int64, key string) int64 {
	if v, ok := m[key]; ok {
		return v
	}
	f.nextID++
	m[key] = f.nextID
	return f.nextID
}

func (f *fakePersist) EnsureRoom(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id(f.rooms, name), nil
}

func (f *fakePersist) EnsureRack(_ context.Context, roomID int64, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id(f.racks, fmt.Sprintf("%d/%s", roomID, name)), nil
}

func (f *fakePersist) EnsureDevice(_ context.Context, name, deviceType string, rackID *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rackless[name] = rackID == nil
	return f.id(f.devices, name), nil
}

func (f *fakePersist) EnsureSensor(_ context.Context, deviceID int64, name, unit string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[name] = unit
	return f.id(f.sensors, name), nil
}

func (f *fakePersist) WriteMeasurements(_ context.Context, rows []store.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return errors.New("write refused")
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakePersist) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

type frameStep struct {
	frame canbus.Frame
	ok    bool
	err   error
}

type fakeFrames struct {
	mu     sync.Mutex
	steps  []frameStep
	calls  int
	closed bool
}

func (f *fakeFrames) ReadFrame(time.Duration) (canbus.Frame, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return canbus.Frame{}, false, canbus.ErrLinkDown
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	return st.frame, st.ok, st.err
}

func (f *fakeFrames) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeRegs struct {
	regs   []uint16
	err    error
	slave  byte
	start  uint16
	count  uint16
	calls  int
	closed bool
}

func (f *fakeRegs) ReadHoldingRegisters(slaveID byte, start, count uint16) ([]uint16, error) {
	f.calls++
	f.slave, f.start, f.count = slaveID, start, count
	if f.err != nil {
		return nil, f.err
	}
	return f.regs, nil
}

func (f *fakeRegs) Close() error {
	f.closed = true
	return nil
}

type fakeWeather struct {
	obs metar.Observation
	err error
}

func (f *fakeWeather) Fetch(context.Context) (metar.Observation, error) { return f.obs, f.err }

// ---- fixture ----

type ingestFixture struct {
	s   *Service
	st  *fakePersist
	c   *cache.Cache
	srv *miniredis.Miniredis
	met *metrics.Set
	cfg *config.Config
}

func newTestService(t *testing.T, doc string, conn *bus.Connection) *ingestFixture {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	srv := miniredis.RunT(t)
	c := cache.New(cache.Options{Addr: srv.Addr()}, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	st := newFakePersist()
	met := metrics.New()
	s := New(Options{Config: cfg, Cache: c, Store: st, Bus: conn, Metrics: met, Log: zerolog.Nop()})
	return &ingestFixture{s: s, st: st, c: c, srv: srv, met: met, cfg: cfg}
}

// ---- shared plumbing ----

func TestPersistReadings_StoreFailureKicksReconnect(t *testing.T) {
	fx := newTestService(t, ingestYAML, nil)
	ctx := context.Background()
	readings := []types.Reading{{Name: "dry_bulb_f", Value: 25, TS: time.Now()}}

	fx.st.failWrites = 1
	fx.s.persistReadings(ctx, "Flower Room", "front", "can_node_2", "sensor_node", readings)
	if fx.st.reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", fx.st.reconnects)
	}
	if got := testutil.ToFloat64(fx.met.RowsWritten); got != 0 {
		t.Fatalf("rows written metric = %v, want 0", got)
	}

	fx.s.persistReadings(ctx, "Flower Room", "front", "can_node_2", "sensor_node", readings)
	if len(fx.st.rows) != 1 {
		t.Fatalf("rows = %d, want 1 after retry", len(fx.st.rows))
	}
	if got := testutil.ToFloat64(fx.met.RowsWritten); got != 1 {
		t.Fatalf("rows written metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(fx.met.DBReconnects); got != 1 {
		t.Fatalf("reconnect metric = %v, want 1", got)
	}
}

func TestPersistReadings_ReusesHierarchyIDs(t *testing.T) {
	fx := newTestService(t, ingestYAML, nil)
	ctx := context.Background()
	readings := []types.Reading{{Name: "rh_f", Value: 61.2, TS: time.Now()}}

	fx.s.persistReadings(ctx, "Flower Room", "front", "can_node_2", "sensor_node", readings)
	fx.s.persistReadings(ctx, "Flower Room", "front", "can_node_2", "sensor_node", readings)

	if len(fx.st.rooms) != 1 || len(fx.st.devices) != 1 || len(fx.st.sensors) != 1 {
		t.Fatalf("hierarchy grew on repeat: rooms=%d devices=%d sensors=%d",
			len(fx.st.rooms), len(fx.st.devices), len(fx.st.sensors))
	}
	if len(fx.st.rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(fx.st.rows))
	}
	if fx.st.rows[0].SensorID != fx.st.rows[1].SensorID {
		t.Fatalf("sensor ids differ: %d vs %d", fx.st.rows[0].SensorID, fx.st.rows[1].SensorID)
	}
}

func TestUnitFor_MapsSensorFamilies(t *testing.T) {
	cases := map[string]string{
		"dry_bulb_f":          "degC",
		"lab_temp":            "degC",
		"weather_dew_point":   "degC",
		"rh_b":                "percent",
		"soil_moisture_bed_a": "percent",
		"vpd_v":               "kPa",
		"outside_pressure":    "hPa",
		"co2_f":               "ppm",
		"soil_ec_bed_a":       "uS/cm",
		"soil_ph_bed_a":       "pH",
		"weather_wind_speed":  "m/s",
		"weather_wind_dir":    "deg",
		"weather_precip":      "mm",
		"distance_b":          "mm",
		"signal_b":            "",
	}
	for name, want := range cases {
		if got := unitFor(name); got != want {
			t.Errorf("unitFor(%q) = %q, want %q", name, got, want)
		}
	}
}

// ---- supervision ----

func TestRunSafe_ConvertsPanicToError(t *testing.T) {
	err := runSafe(context.Background(), func(context.Context) error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "producer panic") {
		t.Fatalf("err = %v, want panic error", err)
	}
}

func TestRunRestarting_RestartsAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan int, 4)
	n := 0
	run := func(ctx context.Context) error {
		n++
		runs <- n
		if n == 1 {
			return errors.New("first run dies")
		}
		<-ctx.Done()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- runRestarting(ctx, "test", zerolog.Nop(), run) }()

	if first := <-runs; first != 1 {
		t.Fatalf("first run = %d", first)
	}
	select {
	case <-runs:
	case <-time.After(3 * time.Second):
		t.Fatal("producer was not restarted after its first failure")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRestarting = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestRun_StartsConfiguredProducersAndHeartbeats(t *testing.T) {
	doc := ingestYAML + `
soil_probes:
  - port: /dev/serial0
    slave_id: 1
    bed: bed_a
    room: Flower Room
`
	fx := newTestService(t, doc, nil)
	fx.s.newModbus = func(string) RegisterReader {
		return &fakeRegs{regs: []uint16{215, 634, 1800, 652}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := fx.c.Sensor(context.Background(), "soil_temp_bed_a")
		if err != nil {
			t.Fatalf("sensor probe: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("soil producer never published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if alive, _ := fx.c.HeartbeatAlive(context.Background(), "soil"); !alive {
		t.Fatal("soil heartbeat missing")
	}
	if alive, _ := fx.c.HeartbeatAlive(context.Background(), "can"); alive {
		t.Fatal("can heartbeat must stay absent in simulation mode")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
