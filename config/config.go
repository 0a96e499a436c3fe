// Package config loads the per-service YAML file into an immutable
// snapshot: hardware addresses, zone/device topology, sensor roles,
// control parameters, producers, and optional seed schedules/rules.
// A loaded *Config is never mutated; edits arrive as a whole new
// snapshot via Manager.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"growhouse-go/types"
	"growhouse-go/x/timex"
)

// Duration parses either a Go duration string ("45s", "15m") or a
// bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dd, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(dd)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("line %d: not a duration", value.Line)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClockTime parses "HH:MM" (or bare minutes since midnight) onto the
// 0-1439 ring.
type ClockTime int

func (c *ClockTime) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		min, err := timex.ParseClock(s)
		if err != nil {
			return err
		}
		*c = ClockTime(min)
		return nil
	}
	var min int
	if err := value.Decode(&min); err != nil {
		return fmt.Errorf("line %d: not a clock time", value.Line)
	}
	if min < 0 || min >= timex.MinutesPerDay {
		return fmt.Errorf("clock time %d out of range", min)
	}
	*c = ClockTime(min)
	return nil
}

func (c ClockTime) Minutes() int { return int(c) }

// Config is one service's full configuration.
type Config struct {
	Log      Log      `yaml:"log"`
	Hardware Hardware `yaml:"hardware"`
	Cache    Cache    `yaml:"cache"`
	Database Database `yaml:"database"`
	Control  Control  `yaml:"control"`

	Zones      []Zone                  `yaml:"zones"`
	Interlocks []types.GlobalInterlock `yaml:"interlocks"`
	Soil       []SoilProbe             `yaml:"soil_probes"`
	Weather    Weather                 `yaml:"weather"`

	devices    map[types.Zone]map[string]*Device
	interlocks map[types.Zone]map[string][]types.Interlock
}

// Log controls the zerolog root logger.
type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Hardware names the buses and boards this host drives. Simulation
// keeps every driver in-memory.
type Hardware struct {
	Simulation   bool       `yaml:"simulation"`
	CANInterface string     `yaml:"can_interface"`
	I2CBus       string     `yaml:"i2c_bus"`
	GPIOAddress  uint16     `yaml:"gpio_address"`
	DACBoards    []DACBoard `yaml:"dac_boards"`
	UnknownZone  types.Zone `yaml:"unknown_zone"`
}

// DACBoard is one dual-channel 0-10 V board.
type DACBoard struct {
	BoardID int    `yaml:"board_id" validate:"min=0"`
	Address uint16 `yaml:"address"`
}

// Cache is the live-cache connection.
type Cache struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// Database is the persistent store connection.
type Database struct {
	DSN     string `yaml:"dsn" validate:"required"`
	MaxOpen int    `yaml:"max_open" validate:"min=0"`
	MaxIdle int    `yaml:"max_idle" validate:"min=0"`
}

// Control holds loop cadence, staleness policy, and write limits.
type Control struct {
	UpdateInterval      Duration `yaml:"update_interval"`
	LastGoodHold        Duration `yaml:"last_good_hold"`
	AutoPersistInterval Duration `yaml:"auto_persist_interval"`

	// SetpointWritesPerSecond bounds operator writes per (zone,
	// setpoint field).
	SetpointWritesPerSecond float64 `yaml:"setpoint_writes_per_second" validate:"min=0"`

	Safety           SafetyLimits                   `yaml:"safety"`
	PIDLimits        PIDLimits                      `yaml:"pid_limits"`
	DefaultSetpoints map[types.SetpointType]float64 `yaml:"default_setpoints"`
}

// SafetyLimits clamp effective setpoints before control acts on them.
type SafetyLimits struct {
	TempMin     float64 `yaml:"temp_min"`
	TempMax     float64 `yaml:"temp_max"`
	HumidityMax float64 `yaml:"humidity_max" validate:"min=0,max=100"`
	CO2Max      float64 `yaml:"co2_max" validate:"min=0"`
	VPDMax      float64 `yaml:"vpd_max" validate:"min=0"`
}

// PIDLimits bound the gains a config file may assign to a device.
type PIDLimits struct {
	KpMax float64 `yaml:"kp_max" validate:"min=0"`
	KiMax float64 `yaml:"ki_max" validate:"min=0"`
	KdMax float64 `yaml:"kd_max" validate:"min=0"`
}

// Zone is one (location, cluster) with its devices, sensor roles, and
// optional seed rows.
type Zone struct {
	Location string `yaml:"location" validate:"required"`
	Cluster  string `yaml:"cluster" validate:"required"`

	// Sensors maps a role (temperature, humidity, co2, vpd) to the
	// canonical sensor name serving it in this zone.
	Sensors map[string]string `yaml:"sensors"`

	RoomSchedule *RoomSchedule  `yaml:"room_schedule"`
	Devices      []Device       `yaml:"devices"`
	Schedules    []ScheduleSeed `yaml:"schedules"`
	Rules        []RuleSeed     `yaml:"rules"`
}

// ID returns the zone's identity.
func (z *Zone) ID() types.Zone {
	return types.Zone{Location: z.Location, Cluster: z.Cluster}
}

// RoomSchedule is the zone's light window, from which climate modes
// derive.
type RoomSchedule struct {
	DayStart ClockTime `yaml:"day_start"`
	DayEnd   ClockTime `yaml:"day_end"`
	PreDay   Duration  `yaml:"pre_day"`
	PreNight Duration  `yaml:"pre_night"`
}

// Domain converts to the persisted row form.
func (rs *RoomSchedule) Domain(z types.Zone) types.RoomSchedule {
	return types.RoomSchedule{
		Zone:        z,
		DayStartMin: rs.DayStart.Minutes(),
		DayEndMin:   rs.DayEnd.Minutes(),
		PreDayMin:   int(rs.PreDay.Std() / time.Minute),
		PreNightMin: int(rs.PreNight.Std() / time.Minute),
	}
}

// Device is one actuator on the expander, with optional dimming and
// PID blocks.
type Device struct {
	Name    string           `yaml:"name" validate:"required"`
	Type    types.DeviceType `yaml:"type" validate:"required,oneof=heater fan dehumidifier humidifier light pump co2 vent"`
	Channel int              `yaml:"channel" validate:"min=0,max=15"`

	// ActiveHigh nil defaults to true.
	ActiveHigh *bool `yaml:"active_high"`
	SafeState  int   `yaml:"safe_state" validate:"min=0,max=1"`

	Dimming    *Dimming       `yaml:"dimming"`
	PID        *PIDConfig     `yaml:"pid"`
	Interlocks []InterlockRef `yaml:"interlock_with"`
}

// Dimmable reports whether the device has a DAC channel.
func (d *Device) Dimmable() bool { return d.Dimming != nil }

// PIDEnabled reports whether the device is duty-cycle controlled.
func (d *Device) PIDEnabled() bool { return d.PID != nil }

// Dimming binds a device to one channel of a DAC board.
type Dimming struct {
	BoardID int `yaml:"board_id" validate:"min=0"`
	Channel int `yaml:"channel" validate:"min=0,max=1"`

	// SafetyLevel is the conservative intensity stored in the DAC's
	// EEPROM at configuration time.
	SafetyLevel float64 `yaml:"safety_level" validate:"min=0,max=100"`
}

// PIDConfig is a device's gains plus the ordered setpoints it serves.
type PIDConfig struct {
	types.PIDParams `yaml:",inline"`

	PWMPeriod Duration            `yaml:"pwm_period"`
	Setpoints []types.SetpointRef `yaml:"setpoints"`
}

// InterlockRef, attached to device B, names a device A that must not
// be loaded above MaxAllowedLoad while B turns on.
type InterlockRef struct {
	Device         string  `yaml:"device" validate:"required"`
	MaxAllowedLoad float64 `yaml:"max_allowed_load" validate:"min=0,max=100"`
}

// ScheduleSeed is an inline on/off window applied at startup when the
// zone has no persisted schedules.
type ScheduleSeed struct {
	Device          string    `yaml:"device" validate:"required"`
	Day             string    `yaml:"day"` // empty = daily
	Start           ClockTime `yaml:"start"`
	End             ClockTime `yaml:"end"`
	Enabled         *bool     `yaml:"enabled"`
	ModeTag         string    `yaml:"mode_tag"`
	TargetIntensity *float64  `yaml:"target_intensity" validate:"omitempty,min=0,max=100"`
	RampUp          Duration  `yaml:"ramp_up"`
	RampDown        Duration  `yaml:"ramp_down"`
}

// Domain converts the seed to the persisted row form.
func (s *ScheduleSeed) Domain(z types.Zone) (types.Schedule, error) {
	row := types.Schedule{
		Zone:            z,
		Device:          s.Device,
		StartMin:        s.Start.Minutes(),
		EndMin:          s.End.Minutes(),
		Enabled:         s.Enabled == nil || *s.Enabled,
		ModeTag:         types.ClimateMode(s.ModeTag),
		TargetIntensity: s.TargetIntensity,
		RampUpMin:       int(s.RampUp.Std() / time.Minute),
		RampDownMin:     int(s.RampDown.Std() / time.Minute),
	}
	if s.Day != "" {
		wd, err := parseWeekday(s.Day)
		if err != nil {
			return types.Schedule{}, err
		}
		row.Day = &wd
	}
	return row, nil
}

// RuleSeed is an inline threshold rule applied at startup when the
// zone has no persisted rules.
type RuleSeed struct {
	Sensor   string  `yaml:"sensor" validate:"required"`
	Op       string  `yaml:"op" validate:"required,oneof=< > <= >= ="`
	Value    float64 `yaml:"value"`
	Device   string  `yaml:"device" validate:"required"`
	State    int     `yaml:"state" validate:"min=0,max=1"`
	Priority int     `yaml:"priority" validate:"min=0"`
	Enabled  *bool   `yaml:"enabled"`
}

// Domain converts the seed to the persisted row form.
func (r *RuleSeed) Domain(z types.Zone) types.Rule {
	return types.Rule{
		Zone:     z,
		Enabled:  r.Enabled == nil || *r.Enabled,
		Sensor:   r.Sensor,
		Op:       r.Op,
		Value:    r.Value,
		Device:   r.Device,
		State:    r.State,
		Priority: r.Priority,
	}
}

// SoilProbe is one Modbus-RTU soil sensor.
type SoilProbe struct {
	Port         string   `yaml:"port"`
	SlaveID      uint8    `yaml:"slave_id" validate:"min=1,max=247"`
	Bed          string   `yaml:"bed" validate:"required"`
	Room         string   `yaml:"room" validate:"required"`
	BaseRegister uint16   `yaml:"base_register"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Weather configures the METAR poller; an empty station disables it.
type Weather struct {
	APIURL       string   `yaml:"api_url"`
	Station      string   `yaml:"station" validate:"omitempty,len=4"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Enabled reports whether a station is configured.
func (w Weather) Enabled() bool { return w.Station != "" }

// ---- lookup helpers (built by Load) ----

// FindZone returns the topology entry for a zone id.
func (c *Config) FindZone(z types.Zone) (*Zone, bool) {
	for i := range c.Zones {
		if c.Zones[i].ID() == z {
			return &c.Zones[i], true
		}
	}
	return nil, false
}

// FindDevice returns a device by zone and name.
func (c *Config) FindDevice(z types.Zone, name string) (*Device, bool) {
	d, ok := c.devices[z][name]
	return d, ok
}

// ZoneIDs returns zone identities in file order.
func (c *Config) ZoneIDs() []types.Zone {
	out := make([]types.Zone, len(c.Zones))
	for i := range c.Zones {
		out[i] = c.Zones[i].ID()
	}
	return out
}

// InterlocksFor returns the per-device interlocks guarding (z, device).
func (c *Config) InterlocksFor(z types.Zone, device string) []types.Interlock {
	return c.interlocks[z][device]
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
