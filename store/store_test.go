package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"growhouse-go/errcode"
	"growhouse-go/types"
)

var zoneFront = types.Zone{Location: "Flower Room", Cluster: "front"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	s := &Store{
		db:        sqlx.NewDb(db, "sqlmock"),
		log:       zerolog.Nop(),
		maxOpen:   defaultMaxOpen,
		maxIdle:   defaultMaxIdle,
		roomIDs:   make(map[string]int64),
		rackIDs:   make(map[string]int64),
		deviceIDs: make(map[string]int64),
		sensorIDs: make(map[sensorKey]int64),
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = s.Close()
	})
	return s, mock
}

func TestWriteMeasurements_SingleBatchUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO measurement (time, sensor_id, value, status) VALUES ($1, $2, $3, $4), ($5, $6, $7, $8) "+
			"ON CONFLICT (time, sensor_id) DO UPDATE SET value = EXCLUDED.value, status = EXCLUDED.status")).
		WithArgs(t0, int64(7), 23.5, "ok", t0, int64(8), 55.0, "derived").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.WriteMeasurements(ctx, []Measurement{
		{Time: t0, SensorID: 7, Value: 23.5, Status: "ok"},
		{Time: t0, SensorID: 8, Value: 55.0, Status: "derived"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWriteMeasurements_EmptyBatchIsNoop(t *testing.T) {
	s, _ := newMockStore(t)
	if err := s.WriteMeasurements(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureDevice_CachesLookup(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO device").
		WithArgs("can_node_1", "sensor_node", nil).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow(int64(42)))

	id, err := s.EnsureDevice(ctx, "can_node_1", "sensor_node", nil)
	if err != nil || id != 42 {
		t.Fatalf("EnsureDevice = %d, %v", id, err)
	}
	// second call must hit the cache, not the database
	id, err = s.EnsureDevice(ctx, "can_node_1", "sensor_node", nil)
	if err != nil || id != 42 {
		t.Fatalf("cached EnsureDevice = %d, %v", id, err)
	}
}

func TestEnsureSensor_CacheIsPerDevice(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO sensor").
		WithArgs(int64(1), "co2_b", "ppm").
		WillReturnRows(sqlmock.NewRows([]string{"sensor_id"}).AddRow(int64(10)))
	mock.ExpectQuery("INSERT INTO sensor").
		WithArgs(int64(2), "co2_b", "ppm").
		WillReturnRows(sqlmock.NewRows([]string{"sensor_id"}).AddRow(int64(11)))

	if id, _ := s.EnsureSensor(ctx, 1, "co2_b", "ppm"); id != 10 {
		t.Fatalf("sensor id = %d, want 10", id)
	}
	// same name under a different device is a distinct sensor
	if id, _ := s.EnsureSensor(ctx, 2, "co2_b", "ppm"); id != 11 {
		t.Fatalf("sensor id = %d, want 11", id)
	}
	if id, _ := s.EnsureSensor(ctx, 1, "co2_b", "ppm"); id != 10 {
		t.Fatalf("cached sensor id = %d, want 10", id)
	}
}

func TestSaveSetpoints_WritesRowAndJournal(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	heat := 24.0

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM setpoints WHERE zone = $1 AND mode = $2")).
		WithArgs("Flower Room/front", "DAY").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO setpoints").
		WithArgs("Flower Room/front", "DAY", 24.0, nil, nil, nil, nil, 10, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO config_versions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "amy", "day heat target", "setpoints", "Flower Room/front", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveSetpoints(ctx, types.Setpoints{
		Zone:          zoneFront,
		Mode:          types.ModeDay,
		Heating:       &heat,
		RampInMinutes: 10,
	}, "amy", "day heat target")
	if err != nil {
		t.Fatal(err)
	}
}

func TestSaveSetpoints_RejectsOutOfRange(t *testing.T) {
	s, _ := newMockStore(t)
	bad := 140.0

	err := s.SaveSetpoints(context.Background(), types.Setpoints{
		Zone:     zoneFront,
		Humidity: &bad,
	}, "amy", "")
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestSaveSetpoints_RejectsUnknownMode(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.SaveSetpoints(context.Background(), types.Setpoints{
		Zone: zoneFront,
		Mode: "DUSK",
	}, "amy", "")
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestSaveRule_InsertReturnsID(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO rules").
		WithArgs("Flower Room/front", true, "dry_bulb_f", ">", 30.0, "fan_1", 1, 10, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO config_versions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "amy", "", "rules", "Flower Room/front", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.SaveRule(ctx, types.Rule{
		Zone:     zoneFront,
		Enabled:  true,
		Sensor:   "dry_bulb_f",
		Op:       ">",
		Value:    30.0,
		Device:   "fan_1",
		State:    1,
		Priority: 10,
	}, "amy", "")
	if err != nil || id != 5 {
		t.Fatalf("SaveRule = %d, %v", id, err)
	}
}

func TestSaveRule_RejectsBadOperator(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.SaveRule(context.Background(), types.Rule{
		Zone: zoneFront, Sensor: "x", Device: "y", Op: "!=", State: 1,
	}, "amy", "")
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestDeleteSchedule_MissingRowRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM schedules WHERE id = $1")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.DeleteSchedule(context.Background(), 99, "amy", "")
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestSaveRoomSchedule_RejectsOversizedPrePhases(t *testing.T) {
	s, _ := newMockStore(t)

	// 06:00-22:00 day leaves a 480 min night; 240+241 cannot fit
	err := s.SaveRoomSchedule(context.Background(), types.RoomSchedule{
		Zone:        zoneFront,
		DayStartMin: 6 * 60,
		DayEndMin:   22 * 60,
		PreDayMin:   240,
		PreNightMin: 241,
	}, "amy", "")
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}

	// and pre-phases must individually stay within [0, 240]
	err = s.SaveRoomSchedule(context.Background(), types.RoomSchedule{
		Zone:        zoneFront,
		DayStartMin: 6 * 60,
		DayEndMin:   22 * 60,
		PreDayMin:   300,
	}, "amy", "")
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestSaveRoomSchedule_AcceptsFittingPrePhases(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT day_start_min, day_end_min, pre_day_min, pre_night_min").
		WithArgs("Flower Room/front").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO room_schedule").
		WithArgs("Flower Room/front", 360, 1320, 60, 30).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO config_versions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "amy", "", "room_schedule", "Flower Room/front", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveRoomSchedule(context.Background(), types.RoomSchedule{
		Zone:        zoneFront,
		DayStartMin: 360,
		DayEndMin:   1320,
		PreDayMin:   60,
		PreNightMin: 30,
	}, "amy", "")
	if err != nil {
		t.Fatal(err)
	}
}

func TestSavePIDParameters_AppendsHistory(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT kp, ki, kd FROM pid_parameters").
		WithArgs("heater").
		WillReturnRows(sqlmock.NewRows([]string{"kp", "ki", "kd"}).AddRow(3.0, 0.01, 1.0))
	mock.ExpectExec("INSERT INTO pid_parameters").
		WithArgs("heater", 4.0, 0.02, 1.5, "autotune", "amy", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pid_parameter_history").
		WithArgs(sqlmock.AnyArg(), "heater", 4.0, 0.02, 1.5, "autotune", "amy").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO config_versions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "amy", "retune", "pid_parameters", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SavePIDParameters(context.Background(), types.DeviceHeater,
		types.PIDParams{Kp: 4, Ki: 0.02, Kd: 1.5}, "autotune", "amy", "retune")
	if err != nil {
		t.Fatal(err)
	}
}

func TestSeriesTier_Boundaries(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		span time.Duration
		want Tier
	}{
		{time.Hour, TierRaw},
		{12*time.Hour - time.Minute, TierRaw},
		{12 * time.Hour, TierHourly},
		{72 * time.Hour, TierHourly},
		{72*time.Hour + time.Minute, TierDaily},
		{30 * 24 * time.Hour, TierDaily},
	}
	for _, c := range cases {
		if got := SeriesTier(t0, t0.Add(c.span)); got != c.want {
			t.Errorf("SeriesTier(%v) = %v, want %v", c.span, got, c.want)
		}
	}
}

func TestFetchSeries_UsesHourlyBuckets(t *testing.T) {
	s, mock := newMockStore(t)
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("date_trunc('hour', time)")).
		WithArgs(int64(7), from, to).
		WillReturnRows(sqlmock.NewRows([]string{"time", "value"}).
			AddRow(from, 22.0).
			AddRow(from.Add(time.Hour), 23.5))

	pts, err := s.FetchSeries(context.Background(), 7, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 2 || pts[1].Value != 23.5 {
		t.Fatalf("points = %+v", pts)
	}
}

func TestLatestLightDuty_NoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT duty_cycle_percent FROM automation_state").
		WithArgs("Flower Room/front", "light_1").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := s.LatestLightDuty(context.Background(), zoneFront, "light_1")
	if err != nil || ok {
		t.Fatalf("LatestLightDuty = ok=%v, err=%v; want absent", ok, err)
	}
}

func TestAppendControlHistory_EmptyTriggerBecomesNull(t *testing.T) {
	s, mock := newMockStore(t)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("NULLIF($7, '')")).
		WithArgs(t0, "Flower Room/front", "heater_1", 0, 1, "pid", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendControlHistory(context.Background(), ControlTransition{
		Time: t0, Zone: zoneFront, Device: "heater_1", OldState: 0, NewState: 1, Reason: "pid",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAppendSetpointHistory_ColumnOrder(t *testing.T) {
	s, mock := newMockStore(t)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eff, nom, prog := 21.0, 24.0, 0.5

	mock.ExpectExec("INSERT INTO setpoint_history").
		WithArgs(t0, "Flower Room/front",
			21.0, 24.0, 0.5, // heating mid-ramp
			nil, nil, nil, // cooling unset
			nil, nil, nil, // humidity unset
			nil, nil, nil, // co2 unset
			nil, nil, nil). // vpd unset
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AppendSetpointHistory(context.Background(), SetpointTick{
		Time: t0,
		Zone: zoneFront,
		Values: map[types.SetpointType]SetpointSample{
			types.SetpointHeating: {Effective: &eff, Nominal: &nom, Progress: &prog},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpsertDeviceStates_Batch(t *testing.T) {
	s, mock := newMockStore(t)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO device_states").
		WithArgs(
			"Flower Room/front", "heater_1", 3, 1, "auto", t0,
			"Flower Room/front", "fan_1", 4, 0, "auto", t0).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.UpsertDeviceStates(context.Background(), []types.DeviceState{
		{Zone: zoneFront, Device: "heater_1", Channel: 3, State: 1, Mode: types.ControlAuto, UpdatedAt: t0},
		{Zone: zoneFront, Device: "fan_1", Channel: 4, State: 0, Mode: types.ControlAuto, UpdatedAt: t0},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReconnect_HonoursCancelledContext(t *testing.T) {
	s := &Store{dsn: "postgres://127.0.0.1:1/none", log: zerolog.Nop(), maxOpen: defaultMaxOpen, maxIdle: defaultMaxIdle}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Reconnect(ctx); err == nil {
		t.Fatal("reconnect with a cancelled context should fail")
	}
}
