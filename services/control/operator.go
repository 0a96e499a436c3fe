package control

import (
	"context"
	"fmt"

	"growhouse-go/errcode"
	"growhouse-go/store"
	"growhouse-go/types"
)

// Operator entry points. The HTTP layer calls these; each one
// validates, persists, and returns coded errors it can map onto
// structured responses.

// SetRelayManual drives one device by operator command and pins it in
// manual mode until ReleaseManual. The failsafe latch outranks the
// operator; interlocks still apply.
func (e *Engine) SetRelayManual(ctx context.Context, z types.Zone, device string, on bool) error {
	if e.alarms.Latched(z) {
		return &errcode.E{C: errcode.FailsafeLatched, Op: "operator.relay", Msg: z.Key()}
	}
	state := 0
	if on {
		state = 1
	}
	cfg := e.config()
	prev, _ := e.relays.state(z, device)
	changed, err := e.relays.set(cfg, z, device, state, types.ControlManual, true, nil)
	if err != nil {
		return err
	}

	rec, _ := e.relays.state(z, device)
	e.persistDeviceState(ctx, z, device, rec)
	if changed {
		tr := store.ControlTransition{
			Time: rec.UpdatedAt, Zone: z, Device: device,
			OldState: prev.State, NewState: state, Reason: "manual",
		}
		if err := e.db.AppendControlHistory(ctx, tr); err != nil {
			e.log.Warn().Err(err).Str("device", device).Msg("control history append failed")
		}
	}
	e.publishDevice(z, device, state, string(types.ControlManual), "manual", nil)
	e.log.Info().Str("zone", z.Key()).Str("device", device).Int("state", state).Msg("manual override set")
	return nil
}

// ReleaseManual returns a pinned device to automatic control. The
// relay keeps its current state; the next tick re-evaluates it.
func (e *Engine) ReleaseManual(ctx context.Context, z types.Zone, device string) error {
	if _, ok := e.config().FindDevice(z, device); !ok {
		return &errcode.E{C: errcode.UnknownDevice, Op: "operator.release", Msg: z.Key() + "/" + device}
	}
	if !e.relays.release(z, device) {
		return nil
	}
	rec, _ := e.relays.state(z, device)
	e.persistDeviceState(ctx, z, device, rec)
	e.publishDevice(z, device, rec.State, string(rec.Mode), "released", nil)
	e.log.Info().Str("zone", z.Key()).Str("device", device).Msg("manual override released")
	return nil
}

// ApplySetpoints is the operator setpoint mutation: each written field
// passes the per-field rate limiter, the store validates and versions
// the row, and the new values are mirrored into the live cache tagged
// with their source.
func (e *Engine) ApplySetpoints(ctx context.Context, sp types.Setpoints, author, comment string) error {
	fields := []struct {
		name  types.SetpointType
		value *float64
	}{
		{types.SetpointHeating, sp.Heating},
		{types.SetpointCooling, sp.Cooling},
		{types.SetpointHumidity, sp.Humidity},
		{types.SetpointCO2, sp.CO2},
		{types.SetpointVPD, sp.VPD},
	}

	perSecond := e.config().Control.SetpointWritesPerSecond
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		ok, err := e.cache.AllowSetpointWrite(ctx, sp.Zone, string(f.name), perSecond)
		if err != nil {
			return fmt.Errorf("operator: setpoint rate check: %w", err)
		}
		if !ok {
			return &errcode.E{C: errcode.RateLimited, Op: "operator.setpoints",
				Msg: sp.Zone.Key() + "/" + string(f.name)}
		}
	}

	if err := e.db.SaveSetpoints(ctx, sp, author, comment); err != nil {
		return err
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := e.cache.SetSetpointField(ctx, sp.Zone, string(f.name), *f.value, author); err != nil {
			e.log.Warn().Err(err).Str("field", string(f.name)).Msg("setpoint mirror failed")
		}
	}
	return nil
}

// ApplyPIDParameters persists gains for a device type and refreshes
// the cached copy the loop reads.
func (e *Engine) ApplyPIDParameters(ctx context.Context, dt types.DeviceType, p types.PIDParams,
	source, author, comment string) error {

	if err := e.db.SavePIDParameters(ctx, dt, p, source, author, comment); err != nil {
		return err
	}
	if err := e.cache.SetPIDParams(ctx, dt, p); err != nil {
		e.log.Warn().Err(err).Str("device_type", string(dt)).Msg("pid params mirror failed")
	}
	return nil
}

func (e *Engine) persistDeviceState(ctx context.Context, z types.Zone, device string, rec relayRecord) {
	ds := types.DeviceState{
		Zone: z, Device: device, Channel: rec.Channel,
		State: rec.State, Mode: rec.Mode, UpdatedAt: rec.UpdatedAt,
	}
	if err := e.db.UpsertDeviceStates(ctx, []types.DeviceState{ds}); err != nil {
		e.log.Warn().Err(err).Str("device", device).Msg("device state write failed")
	}
}
