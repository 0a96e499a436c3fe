package control

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"growhouse-go/config"
	"growhouse-go/errcode"
	"growhouse-go/metrics"
	"growhouse-go/types"
)

var (
	flowerZone = types.Zone{Location: "Flower Room", Cluster: "front"}
	vegZone    = types.Zone{Location: "Veg Room", Cluster: "main"}
)

const relayYAML = `
database:
  dsn: postgres://x
zones:
  - location: Flower Room
    cluster: front
    devices:
      - {name: light_a, type: light, channel: 0, safe_state: 0}
      - name: light_b
        type: light
        channel: 1
        safe_state: 0
        interlock_with:
          - {device: light_a, max_allowed_load: 0}
      - {name: pump_low, type: pump, channel: 2, active_high: false, safe_state: 0}
  - location: Veg Room
    cluster: main
    devices:
      - {name: co2_valve, type: co2, channel: 3, safe_state: 0}
      - {name: heater_1, type: heater, channel: 4, safe_state: 0}
interlocks:
  - a: {zone: {location: Flower Room, cluster: front}, device: light_a}
    b: {zone: {location: Veg Room, cluster: main}, device: co2_valve}
    max_allowed_load: 30
`

type fakeGPIO struct {
	pins   map[int]bool
	writes int
	fail   bool
}

func (g *fakeGPIO) SetChannel(ch int, on bool) error {
	if g.fail {
		return errors.New("i2c write failed")
	}
	if g.pins == nil {
		g.pins = make(map[int]bool)
	}
	g.pins[ch] = on
	g.writes++
	return nil
}

func (g *fakeGPIO) AllOff() error {
	g.pins = make(map[int]bool)
	return nil
}

func newTestRelays(t *testing.T, doc string) (*relayManager, *fakeGPIO, *config.Config) {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	gpio := &fakeGPIO{}
	return newRelayManager(gpio, metrics.New(), zerolog.Nop()), gpio, cfg
}

func TestRelaySet_CommitsStateAndMode(t *testing.T) {
	m, gpio, cfg := newTestRelays(t, relayYAML)

	changed, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !changed {
		t.Fatal("0->1 should report a change")
	}
	if !gpio.pins[0] {
		t.Fatal("channel 0 should be high")
	}
	rec, ok := m.state(flowerZone, "light_a")
	if !ok || rec.State != 1 || rec.Mode != types.ControlScheduled {
		t.Fatalf("record = %+v", rec)
	}

	// Same state again: no transition reported.
	changed, err = m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil)
	if err != nil || changed {
		t.Fatalf("repeat set: changed=%v err=%v, want no change", changed, err)
	}
}

func TestRelaySet_ActiveLowInvertsPin(t *testing.T) {
	m, gpio, cfg := newTestRelays(t, relayYAML)

	if _, err := m.set(cfg, flowerZone, "pump_low", 1, types.ControlAuto, true, nil); err != nil {
		t.Fatalf("set on: %v", err)
	}
	if gpio.pins[2] {
		t.Fatal("active-low ON should drive the pin low")
	}
	if _, err := m.set(cfg, flowerZone, "pump_low", 0, types.ControlAuto, true, nil); err != nil {
		t.Fatalf("set off: %v", err)
	}
	if !gpio.pins[2] {
		t.Fatal("active-low OFF should drive the pin high")
	}
}

func TestRelaySet_UnknownDevice(t *testing.T) {
	m, _, cfg := newTestRelays(t, relayYAML)
	_, err := m.set(cfg, flowerZone, "nonexistent", 1, types.ControlAuto, true, nil)
	if !errcode.Is(err, errcode.UnknownDevice) {
		t.Fatalf("error = %v, want unknown_device", err)
	}
}

func TestRelaySet_HardwareFailure(t *testing.T) {
	m, gpio, cfg := newTestRelays(t, relayYAML)
	gpio.fail = true
	_, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlAuto, true, nil)
	if !errcode.Is(err, errcode.Hardware) {
		t.Fatalf("error = %v, want hardware", err)
	}
	if _, ok := m.state(flowerZone, "light_a"); ok {
		t.Fatal("failed write must not commit state")
	}
}

func TestInterlock_BlocksOnLoadedBlocker(t *testing.T) {
	m, _, cfg := newTestRelays(t, relayYAML)

	// light_a on at 50% intensity.
	if _, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil); err != nil {
		t.Fatalf("set light_a: %v", err)
	}
	load := 50.0
	m.setLoadFunc(func(z types.Zone, device string) *float64 {
		if z == flowerZone && device == "light_a" {
			return &load
		}
		return nil
	})

	_, err := m.set(cfg, flowerZone, "light_b", 1, types.ControlScheduled, true, nil)
	if !errcode.Is(err, errcode.Interlock) {
		t.Fatalf("error = %v, want interlock", err)
	}
	var e *errcode.E
	if !errors.As(err, &e) {
		t.Fatalf("error %T, want *errcode.E", err)
	}
	if e.Msg != "Interlock: light_a is at 50.0%, max allowed 0.0%" {
		t.Fatalf("message = %q", e.Msg)
	}
	if _, ok := m.state(flowerZone, "light_b"); ok {
		t.Fatal("refused switch must not commit state")
	}
}

func TestInterlock_PassesWhenBlockerOffOrUnderThreshold(t *testing.T) {
	m, _, cfg := newTestRelays(t, relayYAML)

	// Blocker off: pass.
	if _, err := m.set(cfg, flowerZone, "light_b", 1, types.ControlScheduled, true, nil); err != nil {
		t.Fatalf("set with blocker off: %v", err)
	}

	// Global rule: co2_valve blocked by light_a above 30%.
	if _, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil); err != nil {
		t.Fatalf("set light_a: %v", err)
	}
	load := 25.0
	m.setLoadFunc(func(z types.Zone, device string) *float64 {
		if device == "light_a" {
			return &load
		}
		return nil
	})
	if _, err := m.set(cfg, vegZone, "co2_valve", 1, types.ControlAuto, true, nil); err != nil {
		t.Fatalf("set co2_valve under threshold: %v", err)
	}
}

func TestInterlock_GlobalNamesBlockerAcrossZones(t *testing.T) {
	m, _, cfg := newTestRelays(t, relayYAML)

	if _, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil); err != nil {
		t.Fatalf("set light_a: %v", err)
	}
	load := 80.0
	m.setLoadFunc(func(z types.Zone, device string) *float64 {
		if device == "light_a" {
			return &load
		}
		return nil
	})

	_, err := m.set(cfg, vegZone, "co2_valve", 1, types.ControlAuto, true, nil)
	var e *errcode.E
	if !errors.As(err, &e) {
		t.Fatalf("error = %v, want *errcode.E", err)
	}
	if e.Msg != "Interlock: Flower Room/front/light_a is at 80.0%, max allowed 30.0%" {
		t.Fatalf("message = %q", e.Msg)
	}

	// A requested load under the threshold is admitted.
	req := 20.0
	if _, err := m.set(cfg, vegZone, "co2_valve", 1, types.ControlAuto, true, &req); err != nil {
		t.Fatalf("set with low requested load: %v", err)
	}
}

func TestInterlock_UnknownLoadCountsAsFull(t *testing.T) {
	m, _, cfg := newTestRelays(t, relayYAML)

	if _, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil); err != nil {
		t.Fatalf("set light_a: %v", err)
	}
	// No load callback installed: blocker counts as 100%.
	_, err := m.set(cfg, flowerZone, "light_b", 1, types.ControlScheduled, true, nil)
	if !errcode.Is(err, errcode.Interlock) {
		t.Fatalf("error = %v, want interlock with unknown load", err)
	}
}

func TestCheckLoad_GuardsIntensityWrites(t *testing.T) {
	m, _, cfg := newTestRelays(t, relayYAML)

	if _, err := m.set(cfg, flowerZone, "light_a", 1, types.ControlScheduled, true, nil); err != nil {
		t.Fatalf("set light_a: %v", err)
	}
	load := 50.0
	m.setLoadFunc(func(z types.Zone, device string) *float64 { return &load })

	req := 60.0
	if err := m.checkLoad(cfg, flowerZone, "light_b", &req); !errcode.Is(err, errcode.Interlock) {
		t.Fatalf("checkLoad = %v, want interlock", err)
	}
	if err := m.checkLoad(cfg, flowerZone, "light_a", &req); err != nil {
		t.Fatalf("checkLoad on unguarded device = %v", err)
	}
}

func TestRestore_SkipsInterlockChecks(t *testing.T) {
	m, gpio, cfg := newTestRelays(t, relayYAML)

	load := 90.0
	m.setLoadFunc(func(z types.Zone, device string) *float64 { return &load })

	// Both restored ON even though the interlock would forbid it live.
	m.restore(cfg, []types.DeviceState{
		{Zone: flowerZone, Device: "light_a", State: 1, Mode: types.ControlScheduled},
		{Zone: flowerZone, Device: "light_b", State: 1, Mode: types.ControlScheduled},
		{Zone: vegZone, Device: "unplugged", State: 1, Mode: types.ControlAuto},
	})
	if !gpio.pins[0] || !gpio.pins[1] {
		t.Fatal("restore should drive both channels despite interlocks")
	}
	rec, ok := m.state(flowerZone, "light_b")
	if !ok || rec.State != 1 || rec.Mode != types.ControlScheduled {
		t.Fatalf("light_b record = %+v", rec)
	}
	if _, ok := m.state(vegZone, "unplugged"); ok {
		t.Fatal("unknown device must not be restored")
	}
}

func TestSafeAllAndSnapshot(t *testing.T) {
	m, gpio, cfg := newTestRelays(t, relayYAML)

	if _, err := m.set(cfg, vegZone, "heater_1", 1, types.ControlAuto, true, nil); err != nil {
		t.Fatalf("set heater: %v", err)
	}
	m.safeAll(cfg)
	if gpio.pins[4] {
		t.Fatal("heater channel should be low after safeAll")
	}

	snap := m.snapshot()
	if len(snap) != 5 {
		t.Fatalf("snapshot has %d records, want 5 (all configured devices)", len(snap))
	}
	for _, s := range snap {
		if s.State != 0 {
			t.Fatalf("device %s state = %d after safeAll, want 0", s.Device, s.State)
		}
	}
}
