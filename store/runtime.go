package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"growhouse-go/types"
)

// Runtime tables: what the control loop writes every tick and on every
// transition, and what restoration reads back at startup.

// ---------------------------------------------------------------------------
// device_states (current relay snapshot, keyed zone+device)
// ---------------------------------------------------------------------------

// UpsertDeviceState persists one relay's committed state.
func (s *Store) UpsertDeviceState(ctx context.Context, ds types.DeviceState) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO device_states (zone, device, channel, state, mode, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (zone, device) DO UPDATE SET
			channel = EXCLUDED.channel,
			state = EXCLUDED.state,
			mode = EXCLUDED.mode,
			updated_at = EXCLUDED.updated_at`,
		ds.Zone.Key(), ds.Device, ds.Channel, ds.State, string(ds.Mode), ds.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: device_states upsert: %w", err)
	}
	return nil
}

// UpsertDeviceStates flushes a whole snapshot in one multi-row upsert,
// used by the periodic auto-persist task.
func (s *Store) UpsertDeviceStates(ctx context.Context, states []types.DeviceState) error {
	if len(states) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO device_states (zone, device, channel, state, mode, updated_at) VALUES ")
	args := make([]any, 0, len(states)*6)
	for i, ds := range states {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, ds.Zone.Key(), ds.Device, ds.Channel, ds.State, string(ds.Mode), ds.UpdatedAt.UTC())
	}
	sb.WriteString(` ON CONFLICT (zone, device) DO UPDATE SET
		channel = EXCLUDED.channel,
		state = EXCLUDED.state,
		mode = EXCLUDED.mode,
		updated_at = EXCLUDED.updated_at`)

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: device_states flush: %w", err)
	}
	return nil
}

// DeviceStates loads the full snapshot for startup restoration.
func (s *Store) DeviceStates(ctx context.Context) ([]types.DeviceState, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Zone      string    `db:"zone"`
		Device    string    `db:"device"`
		Channel   int       `db:"channel"`
		State     int       `db:"state"`
		Mode      string    `db:"mode"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := db.SelectContext(ctx, &rows, `SELECT zone, device, channel, state, mode, updated_at FROM device_states ORDER BY zone, device`); err != nil {
		return nil, fmt.Errorf("store: device_states load: %w", err)
	}
	out := make([]types.DeviceState, 0, len(rows))
	for _, r := range rows {
		z, err := types.ZoneFromKey(r.Zone)
		if err != nil {
			return nil, err
		}
		out = append(out, types.DeviceState{
			Zone:      z,
			Device:    r.Device,
			Channel:   r.Channel,
			State:     r.State,
			Mode:      types.ControlMode(r.Mode),
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// automation_state (per-tick control decisions)
// ---------------------------------------------------------------------------

// AutomationRecord is one per-tick decision row.
type AutomationRecord struct {
	Time   time.Time
	Zone   types.Zone
	Device string
	State  int
	Mode   string
	Reason string
	Duty   *float64
}

// AppendAutomationState writes a tick's decisions as one batch insert.
func (s *Store) AppendAutomationState(ctx context.Context, recs []AutomationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO automation_state (time, zone, device, state, mode, reason, duty_cycle_percent) VALUES ")
	args := make([]any, 0, len(recs)*7)
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args, r.Time.UTC(), r.Zone.Key(), r.Device, r.State, r.Mode, r.Reason, r.Duty)
	}

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: automation_state append: %w", err)
	}
	return nil
}

// LatestLightDuty returns the most recent non-null duty cycle recorded
// for a device, the fallback source when the cache lost the light key.
func (s *Store) LatestLightDuty(ctx context.Context, z types.Zone, device string) (float64, bool, error) {
	db, err := s.handle()
	if err != nil {
		return 0, false, err
	}
	var duty float64
	err = db.GetContext(ctx, &duty, `
		SELECT duty_cycle_percent FROM automation_state
		WHERE zone = $1 AND device = $2 AND duty_cycle_percent IS NOT NULL
		ORDER BY time DESC LIMIT 1`, z.Key(), device)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: latest light duty: %w", err)
	}
	return duty, true, nil
}

// ---------------------------------------------------------------------------
// control_history (state transitions only)
// ---------------------------------------------------------------------------

// ControlTransition is one relay state change with its cause.
type ControlTransition struct {
	Time          time.Time
	Zone          types.Zone
	Device        string
	OldState      int
	NewState      int
	Reason        string
	TriggerSensor string
}

// AppendControlHistory records one transition. An empty trigger sensor
// is stored as NULL.
func (s *Store) AppendControlHistory(ctx context.Context, tr ControlTransition) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO control_history (time, zone, device, old_state, new_state, reason, trigger_sensor)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
		tr.Time.UTC(), tr.Zone.Key(), tr.Device, tr.OldState, tr.NewState, tr.Reason, tr.TriggerSensor)
	if err != nil {
		return fmt.Errorf("store: control_history append: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// setpoint_history (effective/nominal/progress tuple per tick)
// ---------------------------------------------------------------------------

// SetpointSample is one setpoint type's tick observation. Progress is
// nil whenever the value is not mid-ramp.
type SetpointSample struct {
	Effective *float64
	Nominal   *float64
	Progress  *float64
}

// SetpointTick is a zone's full observation for one tick.
type SetpointTick struct {
	Time   time.Time
	Zone   types.Zone
	Values map[types.SetpointType]SetpointSample
}

// AppendSetpointHistory writes one tick row. Unconfigured setpoints
// stay NULL across all three columns.
func (s *Store) AppendSetpointHistory(ctx context.Context, tick SetpointTick) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	args := make([]any, 0, 2+len(types.SetpointTypes)*3)
	args = append(args, tick.Time.UTC(), tick.Zone.Key())
	for _, t := range types.SetpointTypes {
		v := tick.Values[t]
		args = append(args, v.Effective, v.Nominal, v.Progress)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO setpoint_history (
			time, zone,
			effective_heating, nominal_heating, ramp_progress_heating,
			effective_cooling, nominal_cooling, ramp_progress_cooling,
			effective_humidity, nominal_humidity, ramp_progress_humidity,
			effective_co2, nominal_co2, ramp_progress_co2,
			effective_vpd, nominal_vpd, ramp_progress_vpd
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (time, zone) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("store: setpoint_history append: %w", err)
	}
	return nil
}
