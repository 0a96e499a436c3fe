package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Measurement is one point to persist. Status is free-form ("ok",
// "derived", ...) and may be empty.
type Measurement struct {
	Time     time.Time
	SensorID int64
	Value    float64
	Status   string
}

// ---------------------------------------------------------------------------
// Hierarchy lookups. Ids are cached in-process after the first call so
// the per-frame hot path never re-selects.
// ---------------------------------------------------------------------------

// EnsureRoom returns the room id, inserting the row if needed.
func (s *Store) EnsureRoom(ctx context.Context, name string) (int64, error) {
	s.idMu.Lock()
	if id, ok := s.roomIDs[name]; ok {
		s.idMu.Unlock()
		return id, nil
	}
	s.idMu.Unlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.GetContext(ctx, &id, `
		INSERT INTO room (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING room_id`, name)
	if err != nil {
		return 0, fmt.Errorf("store: ensure room %q: %w", name, err)
	}
	s.idMu.Lock()
	s.roomIDs[name] = id
	s.idMu.Unlock()
	return id, nil
}

// EnsureRack returns the rack id within a room, inserting if needed.
func (s *Store) EnsureRack(ctx context.Context, roomID int64, name string) (int64, error) {
	key := fmt.Sprintf("%d/%s", roomID, name)
	s.idMu.Lock()
	if id, ok := s.rackIDs[key]; ok {
		s.idMu.Unlock()
		return id, nil
	}
	s.idMu.Unlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.GetContext(ctx, &id, `
		INSERT INTO rack (room_id, name) VALUES ($1, $2)
		ON CONFLICT (room_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING rack_id`, roomID, name)
	if err != nil {
		return 0, fmt.Errorf("store: ensure rack %q: %w", name, err)
	}
	s.idMu.Lock()
	s.rackIDs[key] = id
	s.idMu.Unlock()
	return id, nil
}

// EnsureDevice returns the device id by name, inserting if needed.
// rackID may be nil for rack-less devices such as the weather station.
func (s *Store) EnsureDevice(ctx context.Context, name, deviceType string, rackID *int64) (int64, error) {
	s.idMu.Lock()
	if id, ok := s.deviceIDs[name]; ok {
		s.idMu.Unlock()
		return id, nil
	}
	s.idMu.Unlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.GetContext(ctx, &id, `
		INSERT INTO device (name, type, rack_id) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type
		RETURNING device_id`, name, deviceType, rackID)
	if err != nil {
		return 0, fmt.Errorf("store: ensure device %q: %w", name, err)
	}
	s.idMu.Lock()
	s.deviceIDs[name] = id
	s.idMu.Unlock()
	return id, nil
}

// EnsureSensor returns the sensor id under a device, inserting if
// needed.
func (s *Store) EnsureSensor(ctx context.Context, deviceID int64, name, unit string) (int64, error) {
	k := sensorKey{deviceID: deviceID, name: name}
	s.idMu.Lock()
	if id, ok := s.sensorIDs[k]; ok {
		s.idMu.Unlock()
		return id, nil
	}
	s.idMu.Unlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.GetContext(ctx, &id, `
		INSERT INTO sensor (device_id, name, unit) VALUES ($1, $2, $3)
		ON CONFLICT (device_id, name) DO UPDATE SET unit = EXCLUDED.unit
		RETURNING sensor_id`, deviceID, name, unit)
	if err != nil {
		return 0, fmt.Errorf("store: ensure sensor %q: %w", name, err)
	}
	s.idMu.Lock()
	s.sensorIDs[k] = id
	s.idMu.Unlock()
	return id, nil
}

// ---------------------------------------------------------------------------
// Measurement writes
// ---------------------------------------------------------------------------

// WriteMeasurements persists one batch, typically all sensors of one
// decoded frame, in a single multi-row upsert. Replays are idempotent
// on (time, sensor_id).
func (s *Store) WriteMeasurements(ctx context.Context, rows []Measurement) error {
	if len(rows) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO measurement (time, sensor_id, value, status) VALUES ")
	args := make([]any, 0, len(rows)*4)
	for i, m := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, m.Time.UTC(), m.SensorID, m.Value, m.Status)
	}
	sb.WriteString(" ON CONFLICT (time, sensor_id) DO UPDATE SET value = EXCLUDED.value, status = EXCLUDED.status")

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: write %d measurements: %w", len(rows), err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Series reads
// ---------------------------------------------------------------------------

// Tier picks the aggregation level for a query window.
type Tier string

const (
	TierRaw    Tier = "raw"
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
)

// SeriesTier maps a window to a tier: raw under 12 h, hourly means up
// to 72 h, daily means beyond.
func SeriesTier(from, to time.Time) Tier {
	span := to.Sub(from)
	switch {
	case span < 12*time.Hour:
		return TierRaw
	case span <= 72*time.Hour:
		return TierHourly
	default:
		return TierDaily
	}
}

// Point is one series sample; aggregated tiers carry bucket means.
type Point struct {
	Time  time.Time `db:"time"`
	Value float64   `db:"value"`
}

// FetchSeries reads one sensor's points over [from, to) at the tier
// appropriate for the window.
func (s *Store) FetchSeries(ctx context.Context, sensorID int64, from, to time.Time) ([]Point, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var q string
	switch SeriesTier(from, to) {
	case TierRaw:
		q = `SELECT time, value FROM measurement
			WHERE sensor_id = $1 AND time >= $2 AND time < $3
			ORDER BY time`
	case TierHourly:
		q = `SELECT date_trunc('hour', time) AS time, avg(value) AS value FROM measurement
			WHERE sensor_id = $1 AND time >= $2 AND time < $3
			GROUP BY 1 ORDER BY 1`
	default:
		q = `SELECT date_trunc('day', time) AS time, avg(value) AS value FROM measurement
			WHERE sensor_id = $1 AND time >= $2 AND time < $3
			GROUP BY 1 ORDER BY 1`
	}

	var pts []Point
	if err := db.SelectContext(ctx, &pts, q, sensorID, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("store: fetch series sensor %d: %w", sensorID, err)
	}
	return pts, nil
}

// SensorIDByName resolves a canonical sensor name to its id, searching
// across devices. Names are unique per device; ingest keeps them
// globally unique in practice.
func (s *Store) SensorIDByName(ctx context.Context, name string) (int64, bool, error) {
	db, err := s.handle()
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = db.GetContext(ctx, &id, `SELECT sensor_id FROM sensor WHERE name = $1 ORDER BY sensor_id LIMIT 1`, name)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: sensor id for %q: %w", name, err)
	}
	return id, true, nil
}
