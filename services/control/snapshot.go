package control

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"growhouse-go/config"
	"growhouse-go/store"
	"growhouse-go/types"
	"growhouse-go/x/mathx"
)

// Persistence is the store surface the engine depends on. *store.Store
// implements it; engine tests substitute an in-memory fake.
type Persistence interface {
	Setpoints(ctx context.Context, z types.Zone) ([]types.Setpoints, error)
	Schedules(ctx context.Context, z types.Zone) ([]types.Schedule, error)
	Rules(ctx context.Context, z types.Zone) ([]types.Rule, error)
	RoomSchedule(ctx context.Context, z types.Zone) (types.RoomSchedule, bool, error)
	DeviceMappings(ctx context.Context, z types.Zone) (map[string]string, error)
	PIDParameters(ctx context.Context, dt types.DeviceType) (types.PIDParams, bool, error)

	SaveSetpoints(ctx context.Context, sp types.Setpoints, author, comment string) error
	SaveRoomSchedule(ctx context.Context, rs types.RoomSchedule, author, comment string) error
	SaveSchedule(ctx context.Context, sch types.Schedule, author, comment string) (int64, error)
	SaveRule(ctx context.Context, r types.Rule, author, comment string) (int64, error)
	SavePIDParameters(ctx context.Context, dt types.DeviceType, p types.PIDParams, source, author, comment string) error

	DeviceStates(ctx context.Context) ([]types.DeviceState, error)
	UpsertDeviceStates(ctx context.Context, states []types.DeviceState) error
	LatestLightDuty(ctx context.Context, z types.Zone, device string) (float64, bool, error)

	AppendAutomationState(ctx context.Context, recs []store.AutomationRecord) error
	AppendControlHistory(ctx context.Context, tr store.ControlTransition) error
	AppendSetpointHistory(ctx context.Context, tick store.SetpointTick) error

	Reconnect(ctx context.Context) error
}

// zoneSnapshot is the persisted configuration the engine reads once per
// tick for one zone. Operator edits land in the store between ticks and
// are picked up here, so the loop itself never holds mutable config.
type zoneSnapshot struct {
	Setpoints       []types.Setpoints
	Schedules       []types.Schedule
	Rules           []types.Rule
	RoomSchedule    types.RoomSchedule
	HasRoomSchedule bool
	Mappings        map[string]string
}

func loadZoneSnapshot(ctx context.Context, db Persistence, z types.Zone) (zoneSnapshot, error) {
	var (
		snap zoneSnapshot
		err  error
	)
	if snap.Setpoints, err = db.Setpoints(ctx, z); err != nil {
		return snap, err
	}
	if snap.Schedules, err = db.Schedules(ctx, z); err != nil {
		return snap, err
	}
	if snap.Rules, err = db.Rules(ctx, z); err != nil {
		return snap, err
	}
	if snap.RoomSchedule, snap.HasRoomSchedule, err = db.RoomSchedule(ctx, z); err != nil {
		return snap, err
	}
	if snap.Mappings, err = db.DeviceMappings(ctx, z); err != nil {
		return snap, err
	}
	return snap, nil
}

// activeScheduleFor returns the first enabled schedule covering now for
// the device. Rows arrive in id order, so the oldest window wins when
// two overlap.
func activeScheduleFor(schedules []types.Schedule, device string, now time.Time) (types.Schedule, bool) {
	for _, s := range schedules {
		if s.Device == device && scheduleActive(s, now) {
			return s, true
		}
	}
	return types.Schedule{}, false
}

// resolveNominal picks the configured target for (mode, type): the
// mode-specific row wins, then the legacy default row (mode ""), then
// the config-level default. The ramp duration follows the row that
// supplied the value; config defaults are instant.
func resolveNominal(rows []types.Setpoints, mode types.ClimateMode, t types.SetpointType,
	defaults map[types.SetpointType]float64) (float64, int, bool) {

	var modeRow, defRow *types.Setpoints
	for i := range rows {
		switch rows[i].Mode {
		case mode:
			modeRow = &rows[i]
		case "":
			defRow = &rows[i]
		}
	}
	if modeRow != nil {
		if v, ok := modeRow.Value(t); ok {
			return v, modeRow.RampInMinutes, true
		}
	}
	if defRow != nil {
		if v, ok := defRow.Value(t); ok {
			return v, defRow.RampInMinutes, true
		}
	}
	if v, ok := defaults[t]; ok {
		return v, 0, true
	}
	return 0, 0, false
}

// clampEffective bounds an effective setpoint by the global safety
// limits before control acts on it.
func clampEffective(t types.SetpointType, v float64, s config.SafetyLimits) float64 {
	switch t {
	case types.SetpointHeating, types.SetpointCooling:
		return mathx.Clamp(v, s.TempMin, s.TempMax)
	case types.SetpointHumidity:
		return mathx.Clamp(v, 0, s.HumidityMax)
	case types.SetpointCO2:
		return mathx.Clamp(v, 0, s.CO2Max)
	case types.SetpointVPD:
		return mathx.Clamp(v, 0, s.VPDMax)
	}
	return v
}

// roleForSetpoint maps a setpoint type onto the sensor role measuring
// it.
func roleForSetpoint(t types.SetpointType) string {
	switch t {
	case types.SetpointHeating, types.SetpointCooling:
		return "temperature"
	case types.SetpointHumidity:
		return "humidity"
	case types.SetpointCO2:
		return "co2"
	case types.SetpointVPD:
		return "vpd"
	}
	return ""
}

// sensorForRole resolves the sensor serving a role in a zone; persisted
// device mappings override the static config roles.
func sensorForRole(zcfg *config.Zone, mappings map[string]string, role string) (string, bool) {
	if name, ok := mappings[role]; ok && name != "" {
		return name, true
	}
	name, ok := zcfg.Sensors[role]
	return name, ok && name != ""
}

// seedFromConfig inserts the YAML seed rows for zones that have no
// persisted counterpart yet, so a fresh database starts with the file's
// schedule and rule set. Zones that already hold rows are left alone;
// the store is the system of record once populated.
func seedFromConfig(ctx context.Context, db Persistence, cfg *config.Config, log zerolog.Logger) error {
	const author = "config"
	for zi := range cfg.Zones {
		zc := &cfg.Zones[zi]
		z := zc.ID()

		if zc.RoomSchedule != nil {
			_, ok, err := db.RoomSchedule(ctx, z)
			if err != nil {
				return err
			}
			if !ok {
				if err := db.SaveRoomSchedule(ctx, zc.RoomSchedule.Domain(z), author, "seeded from config file"); err != nil {
					return err
				}
				log.Info().Str("zone", z.Key()).Msg("room schedule seeded")
			}
		}

		if len(zc.Schedules) > 0 {
			existing, err := db.Schedules(ctx, z)
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				for si := range zc.Schedules {
					row, err := zc.Schedules[si].Domain(z)
					if err != nil {
						return err
					}
					if _, err := db.SaveSchedule(ctx, row, author, "seeded from config file"); err != nil {
						return err
					}
				}
				log.Info().Str("zone", z.Key()).Int("count", len(zc.Schedules)).Msg("schedules seeded")
			}
		}

		if len(zc.Rules) > 0 {
			existing, err := db.Rules(ctx, z)
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				for ri := range zc.Rules {
					if _, err := db.SaveRule(ctx, zc.Rules[ri].Domain(z), author, "seeded from config file"); err != nil {
						return err
					}
				}
				log.Info().Str("zone", z.Key()).Int("count", len(zc.Rules)).Msg("rules seeded")
			}
		}
	}
	return nil
}
