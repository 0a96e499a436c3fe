package store

import (
	"context"
	"fmt"
)

// schemaDDL creates every table the services write. Statements are
// idempotent; Init runs at every startup. measurement is keyed
// (time, sensor_id) so replayed frames upsert instead of duplicating.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS room (
		room_id BIGSERIAL PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS rack (
		rack_id BIGSERIAL PRIMARY KEY,
		room_id BIGINT NOT NULL REFERENCES room(room_id),
		name    TEXT NOT NULL,
		UNIQUE (room_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS device (
		device_id BIGSERIAL PRIMARY KEY,
		rack_id   BIGINT REFERENCES rack(rack_id),
		name      TEXT NOT NULL UNIQUE,
		type      TEXT NOT NULL DEFAULT '',
		serial    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sensor (
		sensor_id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES device(device_id),
		name      TEXT NOT NULL,
		unit      TEXT NOT NULL DEFAULT '',
		data_type TEXT NOT NULL DEFAULT 'float',
		UNIQUE (device_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS measurement (
		time      TIMESTAMPTZ NOT NULL,
		sensor_id BIGINT NOT NULL REFERENCES sensor(sensor_id),
		value     DOUBLE PRECISION NOT NULL,
		status    TEXT,
		PRIMARY KEY (time, sensor_id)
	)`,
	`CREATE INDEX IF NOT EXISTS measurement_sensor_time_idx
		ON measurement (sensor_id, time DESC)`,

	`CREATE TABLE IF NOT EXISTS setpoints (
		zone             TEXT NOT NULL,
		mode             TEXT NOT NULL DEFAULT '',
		heating_setpoint DOUBLE PRECISION,
		cooling_setpoint DOUBLE PRECISION,
		humidity         DOUBLE PRECISION,
		co2              DOUBLE PRECISION,
		vpd              DOUBLE PRECISION,
		ramp_in_minutes  INTEGER NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (zone, mode)
	)`,
	`CREATE TABLE IF NOT EXISTS setpoint_history (
		time TIMESTAMPTZ NOT NULL,
		zone TEXT NOT NULL,
		effective_heating  DOUBLE PRECISION,
		nominal_heating    DOUBLE PRECISION,
		ramp_progress_heating DOUBLE PRECISION,
		effective_cooling  DOUBLE PRECISION,
		nominal_cooling    DOUBLE PRECISION,
		ramp_progress_cooling DOUBLE PRECISION,
		effective_humidity DOUBLE PRECISION,
		nominal_humidity   DOUBLE PRECISION,
		ramp_progress_humidity DOUBLE PRECISION,
		effective_co2      DOUBLE PRECISION,
		nominal_co2        DOUBLE PRECISION,
		ramp_progress_co2  DOUBLE PRECISION,
		effective_vpd      DOUBLE PRECISION,
		nominal_vpd        DOUBLE PRECISION,
		ramp_progress_vpd  DOUBLE PRECISION,
		PRIMARY KEY (time, zone)
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id        BIGSERIAL PRIMARY KEY,
		zone      TEXT NOT NULL,
		device    TEXT NOT NULL,
		day       SMALLINT,
		start_min INTEGER NOT NULL,
		end_min   INTEGER NOT NULL,
		enabled   BOOLEAN NOT NULL DEFAULT true,
		mode_tag  TEXT NOT NULL DEFAULT '',
		target_intensity DOUBLE PRECISION,
		ramp_up_min      INTEGER NOT NULL DEFAULT 0,
		ramp_down_min    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS room_schedule (
		zone          TEXT PRIMARY KEY,
		day_start_min INTEGER NOT NULL,
		day_end_min   INTEGER NOT NULL,
		pre_day_min   INTEGER NOT NULL DEFAULT 0,
		pre_night_min INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id                 BIGSERIAL PRIMARY KEY,
		zone               TEXT NOT NULL,
		enabled            BOOLEAN NOT NULL DEFAULT true,
		condition_sensor   TEXT NOT NULL,
		condition_operator TEXT NOT NULL,
		condition_value    DOUBLE PRECISION NOT NULL,
		action_device      TEXT NOT NULL,
		action_state       SMALLINT NOT NULL,
		priority           INTEGER NOT NULL DEFAULT 0,
		schedule_id        BIGINT REFERENCES schedules(id)
	)`,
	`CREATE TABLE IF NOT EXISTS pid_parameters (
		device_type TEXT PRIMARY KEY,
		kp          DOUBLE PRECISION NOT NULL,
		ki          DOUBLE PRECISION NOT NULL,
		kd          DOUBLE PRECISION NOT NULL,
		source      TEXT NOT NULL DEFAULT '',
		updated_by  TEXT NOT NULL DEFAULT '',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pid_parameter_history (
		time        TIMESTAMPTZ NOT NULL DEFAULT now(),
		device_type TEXT NOT NULL,
		kp          DOUBLE PRECISION NOT NULL,
		ki          DOUBLE PRECISION NOT NULL,
		kd          DOUBLE PRECISION NOT NULL,
		source      TEXT NOT NULL DEFAULT '',
		updated_by  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS device_mappings (
		zone        TEXT NOT NULL,
		role        TEXT NOT NULL,
		sensor_name TEXT NOT NULL,
		PRIMARY KEY (zone, role)
	)`,
	`CREATE TABLE IF NOT EXISTS config_versions (
		version_id  UUID PRIMARY KEY,
		timestamp   TIMESTAMPTZ NOT NULL,
		author      TEXT NOT NULL,
		comment     TEXT NOT NULL DEFAULT '',
		config_type TEXT NOT NULL,
		zone        TEXT,
		changes     JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_states (
		zone       TEXT NOT NULL,
		device     TEXT NOT NULL,
		channel    INTEGER NOT NULL,
		state      SMALLINT NOT NULL,
		mode       TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (zone, device)
	)`,
	`CREATE TABLE IF NOT EXISTS automation_state (
		time   TIMESTAMPTZ NOT NULL,
		zone   TEXT NOT NULL,
		device TEXT NOT NULL,
		state  SMALLINT NOT NULL,
		mode   TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		duty_cycle_percent DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS automation_state_device_time_idx
		ON automation_state (zone, device, time DESC)`,
	`CREATE TABLE IF NOT EXISTS control_history (
		time           TIMESTAMPTZ NOT NULL,
		zone           TEXT NOT NULL,
		device         TEXT NOT NULL,
		old_state      SMALLINT NOT NULL,
		new_state      SMALLINT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		trigger_sensor TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS control_history_device_time_idx
		ON control_history (zone, device, time DESC)`,
}

// Init creates any missing tables.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}
