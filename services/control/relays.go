package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"growhouse-go/config"
	"growhouse-go/errcode"
	"growhouse-go/metrics"
	"growhouse-go/types"
)

// GPIO is the relay backend the manager drives.
type GPIO interface {
	SetChannel(ch int, on bool) error
	AllOff() error
}

// LoadFunc reports a device's current load percent: DAC intensity for
// dimmable lights, PWM duty for PID devices, nil when unknown. The
// engine installs it after construction, so the manager never needs a
// reference to the components owning those numbers.
type LoadFunc func(z types.Zone, device string) *float64

type relayRecord struct {
	Channel   int
	State     int
	Mode      types.ControlMode
	UpdatedAt time.Time
}

// relayManager owns the (zone, device) -> (state, mode) map and guards
// every switch-on with interlock checks before touching the expander.
type relayManager struct {
	gpio GPIO
	met  *metrics.Set
	log  zerolog.Logger

	mu     sync.Mutex
	states map[types.ZoneDevice]relayRecord
	loadOf LoadFunc
}

func newRelayManager(gpio GPIO, met *metrics.Set, log zerolog.Logger) *relayManager {
	return &relayManager{
		gpio:   gpio,
		met:    met,
		log:    log.With().Str("component", "relays").Logger(),
		states: make(map[types.ZoneDevice]relayRecord),
	}
}

// setLoadFunc installs the load callback once the engine is assembled.
func (m *relayManager) setLoadFunc(fn LoadFunc) {
	m.mu.Lock()
	m.loadOf = fn
	m.mu.Unlock()
}

// state returns the committed record for a device.
func (m *relayManager) state(z types.Zone, device string) (relayRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[types.ZoneDevice{Zone: z, Device: device}]
	return rec, ok
}

// set drives one relay and commits the new (state, mode) on success.
// requested carries the load the caller intends for a dimmable or
// PID-driven device, letting global interlocks admit low-load starts.
// Returns whether the committed state changed.
func (m *relayManager) set(cfg *config.Config, z types.Zone, device string, state int,
	mode types.ControlMode, checkInterlock bool, requested *float64) (bool, error) {

	dev, ok := cfg.FindDevice(z, device)
	if !ok {
		return false, &errcode.E{C: errcode.UnknownDevice, Op: "relay.set", Msg: z.Key() + "/" + device}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if state == 1 && checkInterlock {
		if err := m.interlocksLocked(cfg, z, device, requested); err != nil {
			m.met.InterlockRefusals.WithLabelValues(z.Key(), device).Inc()
			return false, err
		}
	}

	activeHigh := dev.ActiveHigh == nil || *dev.ActiveHigh
	pinHigh := (state == 1) == activeHigh
	if err := m.gpio.SetChannel(dev.Channel, pinHigh); err != nil {
		return false, &errcode.E{C: errcode.Hardware, Op: "relay.set", Msg: device, Err: err}
	}

	key := types.ZoneDevice{Zone: z, Device: device}
	prev := m.states[key]
	changed := prev.State != state
	m.states[key] = relayRecord{Channel: dev.Channel, State: state, Mode: mode, UpdatedAt: time.Now()}
	if changed {
		m.met.RelaySwitches.WithLabelValues(z.Key(), device).Inc()
		m.log.Debug().Str("zone", z.Key()).Str("device", device).
			Int("state", state).Str("mode", string(mode)).Msg("relay switched")
	}
	return changed, nil
}

// release drops a device out of manual mode without touching the
// relay; the next tick re-evaluates it. Reports whether the device was
// actually pinned.
func (m *relayManager) release(z types.Zone, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := types.ZoneDevice{Zone: z, Device: device}
	rec, ok := m.states[key]
	if !ok || rec.Mode != types.ControlManual {
		return false
	}
	rec.Mode = types.ControlAuto
	rec.UpdatedAt = time.Now()
	m.states[key] = rec
	return true
}

// checkLoad verifies interlocks for a pending load change on a device
// whose relay may already be on (DAC intensity writes).
func (m *relayManager) checkLoad(cfg *config.Config, z types.Zone, device string, requested *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.interlocksLocked(cfg, z, device, requested); err != nil {
		m.met.InterlockRefusals.WithLabelValues(z.Key(), device).Inc()
		return err
	}
	return nil
}

func (m *relayManager) interlocksLocked(cfg *config.Config, z types.Zone, device string, requested *float64) error {
	for _, il := range cfg.InterlocksFor(z, device) {
		blocker := types.ZoneDevice{Zone: il.Zone, Device: il.BlockedBy}
		if err := m.blockerClearLocked(blocker, il.BlockedBy, il.MaxLoad, nil); err != nil {
			return err
		}
	}
	for _, g := range cfg.Interlocks {
		if g.B.Zone == z && g.B.Device == device {
			name := g.A.Zone.Key() + "/" + g.A.Device
			if err := m.blockerClearLocked(g.A, name, g.MaxLoad, requested); err != nil {
				return err
			}
		}
	}
	return nil
}

// blockerClearLocked passes when the blocker is off or loaded at or
// under the threshold. An on blocker with unknown load counts as fully
// loaded. When requested is given, a candidate asking for a load under
// the threshold is admitted even though the blocker is above it.
func (m *relayManager) blockerClearLocked(blocker types.ZoneDevice, name string, maxLoad float64, requested *float64) error {
	rec, ok := m.states[blocker]
	if !ok || rec.State == 0 {
		return nil
	}
	load := 100.0
	if m.loadOf != nil {
		if l := m.loadOf(blocker.Zone, blocker.Device); l != nil {
			load = *l
		}
	}
	if load <= maxLoad {
		return nil
	}
	if requested != nil && *requested <= maxLoad {
		return nil
	}
	return &errcode.E{C: errcode.Interlock, Op: "relay.interlock",
		Msg: fmt.Sprintf("Interlock: %s is at %.1f%%, max allowed %.1f%%", name, load, maxLoad)}
}

// restore replays persisted relay states onto hardware without
// interlock checks: the world is already in whatever state it is.
func (m *relayManager) restore(cfg *config.Config, rows []types.DeviceState) {
	for _, r := range rows {
		if _, ok := cfg.FindDevice(r.Zone, r.Device); !ok {
			m.log.Warn().Str("zone", r.Zone.Key()).Str("device", r.Device).
				Msg("persisted state for unknown device, skipping")
			continue
		}
		if _, err := m.set(cfg, r.Zone, r.Device, r.State, r.Mode, false, nil); err != nil {
			m.log.Error().Err(err).Str("zone", r.Zone.Key()).Str("device", r.Device).
				Msg("state restore failed")
		}
	}
}

// safeAll drives every configured device to its safe state.
func (m *relayManager) safeAll(cfg *config.Config) {
	for i := range cfg.Zones {
		z := cfg.Zones[i].ID()
		for j := range cfg.Zones[i].Devices {
			d := &cfg.Zones[i].Devices[j]
			if _, err := m.set(cfg, z, d.Name, d.SafeState, types.ControlAuto, false, nil); err != nil {
				m.log.Error().Err(err).Str("zone", z.Key()).Str("device", d.Name).
					Msg("safe-state drive failed")
			}
		}
	}
}

// snapshot copies the live map for persistence.
func (m *relayManager) snapshot() []types.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeviceState, 0, len(m.states))
	for k, r := range m.states {
		out = append(out, types.DeviceState{
			Zone: k.Zone, Device: k.Device, Channel: r.Channel,
			State: r.State, Mode: r.Mode, UpdatedAt: r.UpdatedAt,
		})
	}
	return out
}
