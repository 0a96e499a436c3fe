package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"growhouse-go/errcode"
	"growhouse-go/types"
	"growhouse-go/x/timex"
)

// Every mutation here lands together with a config_versions row in one
// transaction, so the audit journal can never miss a change.

// Change is one field's before/after pair inside a config_versions row.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ConfigVersion is one audit journal row.
type ConfigVersion struct {
	VersionID  string            `db:"version_id"`
	Timestamp  time.Time         `db:"timestamp"`
	Author     string            `db:"author"`
	Comment    string            `db:"comment"`
	ConfigType string            `db:"config_type"`
	Zone       *string           `db:"zone"`
	Changes    map[string]Change `db:"-"`
	RawChanges []byte            `db:"changes"`
}

func invalidf(op, format string, args ...any) error {
	return &errcode.E{C: errcode.InvalidConfig, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return &errcode.E{C: errcode.Conflict, Op: op, Msg: "row is referenced elsewhere", Err: err}
		}
		return err
	}
	return tx.Commit()
}

func recordVersion(ctx context.Context, tx *sqlx.Tx, configType string, zone *string, author, comment string, changes map[string]Change) error {
	if len(changes) == 0 {
		return nil
	}
	blob, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("store: marshal changes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_versions (version_id, timestamp, author, comment, config_type, zone, changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), time.Now().UTC(), author, comment, configType, zone, blob)
	if err != nil {
		return fmt.Errorf("store: config_versions append: %w", err)
	}
	return nil
}

func change(changes map[string]Change, field string, oldV, newV any) {
	if oldV != newV {
		changes[field] = Change{Old: oldV, New: newV}
	}
}

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// ---------------------------------------------------------------------------
// Setpoints
// ---------------------------------------------------------------------------

type setpointRow struct {
	Zone          string    `db:"zone"`
	Mode          string    `db:"mode"`
	Heating       *float64  `db:"heating_setpoint"`
	Cooling       *float64  `db:"cooling_setpoint"`
	Humidity      *float64  `db:"humidity"`
	CO2           *float64  `db:"co2"`
	VPD           *float64  `db:"vpd"`
	RampInMinutes int       `db:"ramp_in_minutes"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r setpointRow) domain() (types.Setpoints, error) {
	z, err := types.ZoneFromKey(r.Zone)
	if err != nil {
		return types.Setpoints{}, err
	}
	return types.Setpoints{
		Zone:          z,
		Mode:          types.ClimateMode(r.Mode),
		Heating:       r.Heating,
		Cooling:       r.Cooling,
		Humidity:      r.Humidity,
		CO2:           r.CO2,
		VPD:           r.VPD,
		RampInMinutes: r.RampInMinutes,
	}, nil
}

func validateSetpoints(sp types.Setpoints) error {
	const op = "store.SaveSetpoints"
	switch sp.Mode {
	case "", types.ModePreDay, types.ModeDay, types.ModePreNight, types.ModeNight:
	default:
		return invalidf(op, "unknown mode %q", sp.Mode)
	}
	if sp.Zone.IsZero() {
		return invalidf(op, "zone is required")
	}
	check := func(name string, p *float64, lo, hi float64) error {
		if p != nil && (*p < lo || *p > hi) {
			return invalidf(op, "%s %.2f outside [%g, %g]", name, *p, lo, hi)
		}
		return nil
	}
	if err := check("heating_setpoint", sp.Heating, -20, 60); err != nil {
		return err
	}
	if err := check("cooling_setpoint", sp.Cooling, -20, 60); err != nil {
		return err
	}
	if err := check("humidity", sp.Humidity, 0, 100); err != nil {
		return err
	}
	if err := check("co2", sp.CO2, 0, 10000); err != nil {
		return err
	}
	if err := check("vpd", sp.VPD, 0, 10); err != nil {
		return err
	}
	if sp.RampInMinutes < 0 {
		return invalidf(op, "ramp_in_minutes %d is negative", sp.RampInMinutes)
	}
	return nil
}

// SaveSetpoints upserts one (zone, mode) row and journals the diff.
func (s *Store) SaveSetpoints(ctx context.Context, sp types.Setpoints, author, comment string) error {
	if err := validateSetpoints(sp); err != nil {
		return err
	}
	zone := sp.Zone.Key()
	return s.withTx(ctx, "store.SaveSetpoints", func(tx *sqlx.Tx) error {
		var old setpointRow
		err := tx.GetContext(ctx, &old, `SELECT * FROM setpoints WHERE zone = $1 AND mode = $2`, zone, string(sp.Mode))
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("store: setpoints select: %w", err)
		}

		changes := map[string]Change{}
		change(changes, "heating_setpoint", deref(old.Heating), deref(sp.Heating))
		change(changes, "cooling_setpoint", deref(old.Cooling), deref(sp.Cooling))
		change(changes, "humidity", deref(old.Humidity), deref(sp.Humidity))
		change(changes, "co2", deref(old.CO2), deref(sp.CO2))
		change(changes, "vpd", deref(old.VPD), deref(sp.VPD))
		change(changes, "ramp_in_minutes", old.RampInMinutes, sp.RampInMinutes)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO setpoints (zone, mode, heating_setpoint, cooling_setpoint, humidity, co2, vpd, ramp_in_minutes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (zone, mode) DO UPDATE SET
				heating_setpoint = EXCLUDED.heating_setpoint,
				cooling_setpoint = EXCLUDED.cooling_setpoint,
				humidity = EXCLUDED.humidity,
				co2 = EXCLUDED.co2,
				vpd = EXCLUDED.vpd,
				ramp_in_minutes = EXCLUDED.ramp_in_minutes,
				updated_at = EXCLUDED.updated_at`,
			zone, string(sp.Mode), sp.Heating, sp.Cooling, sp.Humidity, sp.CO2, sp.VPD, sp.RampInMinutes, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("store: setpoints upsert: %w", err)
		}
		return recordVersion(ctx, tx, "setpoints", &zone, author, comment, changes)
	})
}

// Setpoints loads every mode row for a zone.
func (s *Store) Setpoints(ctx context.Context, z types.Zone) ([]types.Setpoints, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []setpointRow
	if err := db.SelectContext(ctx, &rows, `SELECT * FROM setpoints WHERE zone = $1 ORDER BY mode`, z.Key()); err != nil {
		return nil, fmt.Errorf("store: setpoints load: %w", err)
	}
	out := make([]types.Setpoints, 0, len(rows))
	for _, r := range rows {
		sp, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Device schedules
// ---------------------------------------------------------------------------

type scheduleRow struct {
	ID              int64    `db:"id"`
	Zone            string   `db:"zone"`
	Device          string   `db:"device"`
	Day             *int16   `db:"day"`
	StartMin        int      `db:"start_min"`
	EndMin          int      `db:"end_min"`
	Enabled         bool     `db:"enabled"`
	ModeTag         string   `db:"mode_tag"`
	TargetIntensity *float64 `db:"target_intensity"`
	RampUpMin       int      `db:"ramp_up_min"`
	RampDownMin     int      `db:"ramp_down_min"`
}

func (r scheduleRow) domain() (types.Schedule, error) {
	z, err := types.ZoneFromKey(r.Zone)
	if err != nil {
		return types.Schedule{}, err
	}
	var day *time.Weekday
	if r.Day != nil {
		d := time.Weekday(*r.Day)
		day = &d
	}
	return types.Schedule{
		ID:              r.ID,
		Zone:            z,
		Device:          r.Device,
		Day:             day,
		StartMin:        r.StartMin,
		EndMin:          r.EndMin,
		Enabled:         r.Enabled,
		ModeTag:         types.ClimateMode(r.ModeTag),
		TargetIntensity: r.TargetIntensity,
		RampUpMin:       r.RampUpMin,
		RampDownMin:     r.RampDownMin,
	}, nil
}

func validateSchedule(sch types.Schedule) error {
	const op = "store.SaveSchedule"
	if sch.Zone.IsZero() || sch.Device == "" {
		return invalidf(op, "zone and device are required")
	}
	if sch.StartMin < 0 || sch.StartMin >= timex.MinutesPerDay || sch.EndMin < 0 || sch.EndMin >= timex.MinutesPerDay {
		return invalidf(op, "window %d-%d outside the minute ring", sch.StartMin, sch.EndMin)
	}
	if sch.Day != nil && (*sch.Day < time.Sunday || *sch.Day > time.Saturday) {
		return invalidf(op, "day %d is not a weekday index", *sch.Day)
	}
	if sch.RampUpMin < 0 || sch.RampDownMin < 0 {
		return invalidf(op, "ramp durations must be non-negative")
	}
	if sch.TargetIntensity != nil && (*sch.TargetIntensity < 0 || *sch.TargetIntensity > 100) {
		return invalidf(op, "target_intensity %.1f outside [0, 100]", *sch.TargetIntensity)
	}
	return nil
}

// SaveSchedule inserts (ID zero) or updates one schedule row, returning
// its id.
func (s *Store) SaveSchedule(ctx context.Context, sch types.Schedule, author, comment string) (int64, error) {
	if err := validateSchedule(sch); err != nil {
		return 0, err
	}
	zone := sch.Zone.Key()
	var day *int16
	if sch.Day != nil {
		d := int16(*sch.Day)
		day = &d
	}
	id := sch.ID
	err := s.withTx(ctx, "store.SaveSchedule", func(tx *sqlx.Tx) error {
		changes := map[string]Change{}
		if id == 0 {
			err := tx.GetContext(ctx, &id, `
				INSERT INTO schedules (zone, device, day, start_min, end_min, enabled, mode_tag, target_intensity, ramp_up_min, ramp_down_min)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING id`,
				zone, sch.Device, day, sch.StartMin, sch.EndMin, sch.Enabled, string(sch.ModeTag), sch.TargetIntensity, sch.RampUpMin, sch.RampDownMin)
			if err != nil {
				return fmt.Errorf("store: schedule insert: %w", err)
			}
			change(changes, "schedule", nil, fmt.Sprintf("%s %s %d-%d", sch.Device, weekdayLabel(sch.Day), sch.StartMin, sch.EndMin))
		} else {
			var old scheduleRow
			err := tx.GetContext(ctx, &old, `SELECT * FROM schedules WHERE id = $1`, id)
			if err != nil {
				if isNoRows(err) {
					return invalidf("store.SaveSchedule", "schedule %d not found", id)
				}
				return fmt.Errorf("store: schedule select: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE schedules SET zone=$2, device=$3, day=$4, start_min=$5, end_min=$6, enabled=$7, mode_tag=$8, target_intensity=$9, ramp_up_min=$10, ramp_down_min=$11
				WHERE id = $1`,
				id, zone, sch.Device, day, sch.StartMin, sch.EndMin, sch.Enabled, string(sch.ModeTag), sch.TargetIntensity, sch.RampUpMin, sch.RampDownMin)
			if err != nil {
				return fmt.Errorf("store: schedule update: %w", err)
			}
			change(changes, "device", old.Device, sch.Device)
			change(changes, "start_min", old.StartMin, sch.StartMin)
			change(changes, "end_min", old.EndMin, sch.EndMin)
			change(changes, "enabled", old.Enabled, sch.Enabled)
			change(changes, "mode_tag", old.ModeTag, string(sch.ModeTag))
			change(changes, "target_intensity", deref(old.TargetIntensity), deref(sch.TargetIntensity))
			change(changes, "ramp_up_min", old.RampUpMin, sch.RampUpMin)
			change(changes, "ramp_down_min", old.RampDownMin, sch.RampDownMin)
		}
		return recordVersion(ctx, tx, "schedules", &zone, author, comment, changes)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func weekdayLabel(d *time.Weekday) string {
	if d == nil {
		return "daily"
	}
	return d.String()
}

// DeleteSchedule removes one schedule row, journaling what it was.
func (s *Store) DeleteSchedule(ctx context.Context, id int64, author, comment string) error {
	return s.withTx(ctx, "store.DeleteSchedule", func(tx *sqlx.Tx) error {
		var old scheduleRow
		err := tx.GetContext(ctx, &old, `SELECT * FROM schedules WHERE id = $1`, id)
		if err != nil {
			if isNoRows(err) {
				return invalidf("store.DeleteSchedule", "schedule %d not found", id)
			}
			return fmt.Errorf("store: schedule select: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
			return fmt.Errorf("store: schedule delete: %w", err)
		}
		changes := map[string]Change{
			"schedule": {Old: fmt.Sprintf("%s %d-%d", old.Device, old.StartMin, old.EndMin), New: nil},
		}
		return recordVersion(ctx, tx, "schedules", &old.Zone, author, comment, changes)
	})
}

// Schedules loads every schedule row for a zone.
func (s *Store) Schedules(ctx context.Context, z types.Zone) ([]types.Schedule, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []scheduleRow
	if err := db.SelectContext(ctx, &rows, `SELECT * FROM schedules WHERE zone = $1 ORDER BY id`, z.Key()); err != nil {
		return nil, fmt.Errorf("store: schedules load: %w", err)
	}
	out := make([]types.Schedule, 0, len(rows))
	for _, r := range rows {
		sch, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Room schedule (the zone's light day window)
// ---------------------------------------------------------------------------

func validateRoomSchedule(rs types.RoomSchedule) error {
	const op = "store.SaveRoomSchedule"
	if rs.Zone.IsZero() {
		return invalidf(op, "zone is required")
	}
	if rs.DayStartMin < 0 || rs.DayStartMin >= timex.MinutesPerDay ||
		rs.DayEndMin < 0 || rs.DayEndMin >= timex.MinutesPerDay {
		return invalidf(op, "day window %d-%d outside the minute ring", rs.DayStartMin, rs.DayEndMin)
	}
	if rs.DayStartMin == rs.DayEndMin {
		return invalidf(op, "day window is empty")
	}
	if rs.PreDayMin < 0 || rs.PreDayMin > 240 || rs.PreNightMin < 0 || rs.PreNightMin > 240 {
		return invalidf(op, "pre-phase durations must lie in [0, 240] minutes")
	}
	nightLen := timex.MinutesPerDay - timex.Mod(rs.DayEndMin-rs.DayStartMin)
	if rs.PreDayMin+rs.PreNightMin >= nightLen {
		return invalidf(op, "pre-phases (%d+%d min) do not fit the %d min night", rs.PreDayMin, rs.PreNightMin, nightLen)
	}
	return nil
}

// SaveRoomSchedule upserts the zone's day window.
func (s *Store) SaveRoomSchedule(ctx context.Context, rs types.RoomSchedule, author, comment string) error {
	if err := validateRoomSchedule(rs); err != nil {
		return err
	}
	zone := rs.Zone.Key()
	return s.withTx(ctx, "store.SaveRoomSchedule", func(tx *sqlx.Tx) error {
		var old struct {
			DayStartMin int `db:"day_start_min"`
			DayEndMin   int `db:"day_end_min"`
			PreDayMin   int `db:"pre_day_min"`
			PreNightMin int `db:"pre_night_min"`
		}
		err := tx.GetContext(ctx, &old, `
			SELECT day_start_min, day_end_min, pre_day_min, pre_night_min
			FROM room_schedule WHERE zone = $1`, zone)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("store: room_schedule select: %w", err)
		}

		changes := map[string]Change{}
		change(changes, "day_start_min", old.DayStartMin, rs.DayStartMin)
		change(changes, "day_end_min", old.DayEndMin, rs.DayEndMin)
		change(changes, "pre_day_min", old.PreDayMin, rs.PreDayMin)
		change(changes, "pre_night_min", old.PreNightMin, rs.PreNightMin)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_schedule (zone, day_start_min, day_end_min, pre_day_min, pre_night_min)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (zone) DO UPDATE SET
				day_start_min = EXCLUDED.day_start_min,
				day_end_min = EXCLUDED.day_end_min,
				pre_day_min = EXCLUDED.pre_day_min,
				pre_night_min = EXCLUDED.pre_night_min`,
			zone, rs.DayStartMin, rs.DayEndMin, rs.PreDayMin, rs.PreNightMin)
		if err != nil {
			return fmt.Errorf("store: room_schedule upsert: %w", err)
		}
		return recordVersion(ctx, tx, "room_schedule", &zone, author, comment, changes)
	})
}

// RoomSchedule loads the zone's day window, ok=false when unset.
func (s *Store) RoomSchedule(ctx context.Context, z types.Zone) (types.RoomSchedule, bool, error) {
	db, err := s.handle()
	if err != nil {
		return types.RoomSchedule{}, false, err
	}
	var row struct {
		DayStartMin int `db:"day_start_min"`
		DayEndMin   int `db:"day_end_min"`
		PreDayMin   int `db:"pre_day_min"`
		PreNightMin int `db:"pre_night_min"`
	}
	err = db.GetContext(ctx, &row, `
		SELECT day_start_min, day_end_min, pre_day_min, pre_night_min
		FROM room_schedule WHERE zone = $1`, z.Key())
	if err != nil {
		if isNoRows(err) {
			return types.RoomSchedule{}, false, nil
		}
		return types.RoomSchedule{}, false, fmt.Errorf("store: room_schedule load: %w", err)
	}
	return types.RoomSchedule{
		Zone:        z,
		DayStartMin: row.DayStartMin,
		DayEndMin:   row.DayEndMin,
		PreDayMin:   row.PreDayMin,
		PreNightMin: row.PreNightMin,
	}, true, nil
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

type ruleRow struct {
	ID         int64   `db:"id"`
	Zone       string  `db:"zone"`
	Enabled    bool    `db:"enabled"`
	Sensor     string  `db:"condition_sensor"`
	Op         string  `db:"condition_operator"`
	Value      float64 `db:"condition_value"`
	Device     string  `db:"action_device"`
	State      int     `db:"action_state"`
	Priority   int     `db:"priority"`
	ScheduleID *int64  `db:"schedule_id"`
}

func (r ruleRow) domain() (types.Rule, error) {
	z, err := types.ZoneFromKey(r.Zone)
	if err != nil {
		return types.Rule{}, err
	}
	return types.Rule{
		ID:         r.ID,
		Zone:       z,
		Enabled:    r.Enabled,
		Sensor:     r.Sensor,
		Op:         r.Op,
		Value:      r.Value,
		Device:     r.Device,
		State:      r.State,
		Priority:   r.Priority,
		ScheduleID: r.ScheduleID,
	}, nil
}

func validateRule(r types.Rule) error {
	const op = "store.SaveRule"
	if r.Zone.IsZero() || r.Sensor == "" || r.Device == "" {
		return invalidf(op, "zone, sensor and device are required")
	}
	switch r.Op {
	case "<", ">", "<=", ">=", "=":
	default:
		return invalidf(op, "operator %q is not one of < > <= >= =", r.Op)
	}
	if r.State != 0 && r.State != 1 {
		return invalidf(op, "action state %d is not 0 or 1", r.State)
	}
	if r.Priority < 0 {
		return invalidf(op, "priority %d is negative", r.Priority)
	}
	return nil
}

// SaveRule inserts (ID zero) or updates one rule, returning its id.
func (s *Store) SaveRule(ctx context.Context, r types.Rule, author, comment string) (int64, error) {
	if err := validateRule(r); err != nil {
		return 0, err
	}
	zone := r.Zone.Key()
	id := r.ID
	err := s.withTx(ctx, "store.SaveRule", func(tx *sqlx.Tx) error {
		changes := map[string]Change{}
		if id == 0 {
			err := tx.GetContext(ctx, &id, `
				INSERT INTO rules (zone, enabled, condition_sensor, condition_operator, condition_value, action_device, action_state, priority, schedule_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id`,
				zone, r.Enabled, r.Sensor, r.Op, r.Value, r.Device, r.State, r.Priority, r.ScheduleID)
			if err != nil {
				return fmt.Errorf("store: rule insert: %w", err)
			}
			change(changes, "rule", nil, fmt.Sprintf("%s %s %.2f -> %s=%d", r.Sensor, r.Op, r.Value, r.Device, r.State))
		} else {
			var old ruleRow
			err := tx.GetContext(ctx, &old, `SELECT * FROM rules WHERE id = $1`, id)
			if err != nil {
				if isNoRows(err) {
					return invalidf("store.SaveRule", "rule %d not found", id)
				}
				return fmt.Errorf("store: rule select: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE rules SET zone=$2, enabled=$3, condition_sensor=$4, condition_operator=$5, condition_value=$6, action_device=$7, action_state=$8, priority=$9, schedule_id=$10
				WHERE id = $1`,
				id, zone, r.Enabled, r.Sensor, r.Op, r.Value, r.Device, r.State, r.Priority, r.ScheduleID)
			if err != nil {
				return fmt.Errorf("store: rule update: %w", err)
			}
			change(changes, "enabled", old.Enabled, r.Enabled)
			change(changes, "condition_sensor", old.Sensor, r.Sensor)
			change(changes, "condition_operator", old.Op, r.Op)
			change(changes, "condition_value", old.Value, r.Value)
			change(changes, "action_device", old.Device, r.Device)
			change(changes, "action_state", old.State, r.State)
			change(changes, "priority", old.Priority, r.Priority)
		}
		return recordVersion(ctx, tx, "rules", &zone, author, comment, changes)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Rules loads every rule for a zone.
func (s *Store) Rules(ctx context.Context, z types.Zone) ([]types.Rule, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []ruleRow
	if err := db.SelectContext(ctx, &rows, `SELECT * FROM rules WHERE zone = $1 ORDER BY priority DESC, id`, z.Key()); err != nil {
		return nil, fmt.Errorf("store: rules load: %w", err)
	}
	out := make([]types.Rule, 0, len(rows))
	for _, r := range rows {
		rule, err := r.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// PID parameters
// ---------------------------------------------------------------------------

func validatePID(p types.PIDParams) error {
	const op = "store.SavePIDParameters"
	if p.Kp < 0 || p.Ki < 0 || p.Kd < 0 {
		return invalidf(op, "gains must be non-negative")
	}
	if p.Kp == 0 && p.Ki == 0 && p.Kd == 0 {
		return invalidf(op, "all gains are zero")
	}
	return nil
}

// SavePIDParameters upserts the gains for a device type, appends the
// history row and journals the diff.
func (s *Store) SavePIDParameters(ctx context.Context, dt types.DeviceType, p types.PIDParams, source, author, comment string) error {
	if err := validatePID(p); err != nil {
		return err
	}
	return s.withTx(ctx, "store.SavePIDParameters", func(tx *sqlx.Tx) error {
		var old types.PIDParams
		err := tx.GetContext(ctx, &old, `SELECT kp, ki, kd FROM pid_parameters WHERE device_type = $1`, string(dt))
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("store: pid select: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pid_parameters (device_type, kp, ki, kd, source, updated_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (device_type) DO UPDATE SET
				kp = EXCLUDED.kp, ki = EXCLUDED.ki, kd = EXCLUDED.kd,
				source = EXCLUDED.source, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
			string(dt), p.Kp, p.Ki, p.Kd, source, author, now)
		if err != nil {
			return fmt.Errorf("store: pid upsert: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pid_parameter_history (time, device_type, kp, ki, kd, source, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			now, string(dt), p.Kp, p.Ki, p.Kd, source, author)
		if err != nil {
			return fmt.Errorf("store: pid history append: %w", err)
		}

		changes := map[string]Change{}
		change(changes, "kp", old.Kp, p.Kp)
		change(changes, "ki", old.Ki, p.Ki)
		change(changes, "kd", old.Kd, p.Kd)
		return recordVersion(ctx, tx, "pid_parameters", nil, author, comment, changes)
	})
}

// PIDParameters loads the gains for a device type, ok=false when unset.
func (s *Store) PIDParameters(ctx context.Context, dt types.DeviceType) (types.PIDParams, bool, error) {
	db, err := s.handle()
	if err != nil {
		return types.PIDParams{}, false, err
	}
	var p types.PIDParams
	err = db.GetContext(ctx, &p, `SELECT kp, ki, kd FROM pid_parameters WHERE device_type = $1`, string(dt))
	if err != nil {
		if isNoRows(err) {
			return types.PIDParams{}, false, nil
		}
		return types.PIDParams{}, false, fmt.Errorf("store: pid load: %w", err)
	}
	return p, true, nil
}

// ---------------------------------------------------------------------------
// Device mappings (zone role -> canonical sensor name)
// ---------------------------------------------------------------------------

// SaveDeviceMapping binds a zone role ("temperature", "co2", ...) to a
// canonical sensor name.
func (s *Store) SaveDeviceMapping(ctx context.Context, z types.Zone, role, sensorName, author, comment string) error {
	const op = "store.SaveDeviceMapping"
	if z.IsZero() || role == "" || sensorName == "" {
		return invalidf(op, "zone, role and sensor name are required")
	}
	zone := z.Key()
	return s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		var old string
		err := tx.GetContext(ctx, &old, `SELECT sensor_name FROM device_mappings WHERE zone = $1 AND role = $2`, zone, role)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("store: mapping select: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_mappings (zone, role, sensor_name) VALUES ($1, $2, $3)
			ON CONFLICT (zone, role) DO UPDATE SET sensor_name = EXCLUDED.sensor_name`,
			zone, role, sensorName)
		if err != nil {
			return fmt.Errorf("store: mapping upsert: %w", err)
		}
		changes := map[string]Change{}
		change(changes, role, old, sensorName)
		return recordVersion(ctx, tx, "device_mappings", &zone, author, comment, changes)
	})
}

// DeviceMappings loads a zone's role -> sensor name table.
func (s *Store) DeviceMappings(ctx context.Context, z types.Zone) (map[string]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Role       string `db:"role"`
		SensorName string `db:"sensor_name"`
	}
	if err := db.SelectContext(ctx, &rows, `SELECT role, sensor_name FROM device_mappings WHERE zone = $1`, z.Key()); err != nil {
		return nil, fmt.Errorf("store: mappings load: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Role] = r.SensorName
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Audit journal reads
// ---------------------------------------------------------------------------

// ConfigVersions returns the most recent journal rows, newest first.
func (s *Store) ConfigVersions(ctx context.Context, limit int) ([]ConfigVersion, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []ConfigVersion
	err = db.SelectContext(ctx, &rows, `
		SELECT version_id, timestamp, author, comment, config_type, zone, changes
		FROM config_versions ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: config_versions load: %w", err)
	}
	for i := range rows {
		if err := json.Unmarshal(rows[i].RawChanges, &rows[i].Changes); err != nil {
			return nil, fmt.Errorf("store: config_versions changes: %w", err)
		}
	}
	return rows, nil
}
