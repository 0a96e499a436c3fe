// Package types holds the domain vocabulary shared by the ingest and
// control services: zones, modes, device and sensor records, alarms,
// and the envelopes broadcast on the internal bus.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ---- Zones ----

// Zone is a (location, cluster) pair, the identity of all
// time-varying state. Created at config load; immutable at runtime.
type Zone struct {
	Location string `json:"location" yaml:"location"`
	Cluster  string `json:"cluster" yaml:"cluster"`
}

// Key is the single-token form used in cache keys and DB columns,
// e.g. "Flower Room/front".
func (z Zone) Key() string { return z.Location + "/" + z.Cluster }

func (z Zone) String() string { return z.Key() }

// IsZero reports an unset zone.
func (z Zone) IsZero() bool { return z.Location == "" && z.Cluster == "" }

// ZoneFromKey parses the single-token form back into a Zone.
func ZoneFromKey(key string) (Zone, error) {
	loc, cluster, ok := strings.Cut(key, "/")
	if !ok || loc == "" || cluster == "" {
		return Zone{}, fmt.Errorf("malformed zone key %q", key)
	}
	return Zone{Location: loc, Cluster: cluster}, nil
}

// ---- Modes ----

// ClimateMode is the wall-clock-derived phase of a zone's day.
type ClimateMode string

const (
	ModePreDay   ClimateMode = "PRE_DAY"
	ModeDay      ClimateMode = "DAY"
	ModePreNight ClimateMode = "PRE_NIGHT"
	ModeNight    ClimateMode = "NIGHT"
)

// OpMode is a zone's operating mode as held in the live cache.
type OpMode string

const (
	OpAuto     OpMode = "auto"
	OpManual   OpMode = "manual"
	OpOverride OpMode = "override"
	OpFailsafe OpMode = "failsafe"
)

// ControlMode is a device's control disposition. Manual is sticky
// until an operator releases it.
type ControlMode string

const (
	ControlAuto      ControlMode = "auto"
	ControlManual    ControlMode = "manual"
	ControlScheduled ControlMode = "scheduled"
)

// ---- Devices ----

// DeviceType is the semantic class of an actuator.
type DeviceType string

const (
	DeviceHeater       DeviceType = "heater"
	DeviceFan          DeviceType = "fan"
	DeviceDehumidifier DeviceType = "dehumidifier"
	DeviceHumidifier   DeviceType = "humidifier"
	DeviceLight        DeviceType = "light"
	DevicePump         DeviceType = "pump"
	DeviceCO2          DeviceType = "co2"
	DeviceVent         DeviceType = "vent"
)

// ZoneDevice names a device across zones (global interlock rules).
type ZoneDevice struct {
	Zone   Zone   `json:"zone" yaml:"zone"`
	Device string `json:"device" yaml:"device"`
}

// ---- Setpoints ----

// SetpointType enumerates the five independently tracked setpoints.
type SetpointType string

const (
	SetpointHeating  SetpointType = "heating_setpoint"
	SetpointCooling  SetpointType = "cooling_setpoint"
	SetpointHumidity SetpointType = "humidity"
	SetpointCO2      SetpointType = "co2"
	SetpointVPD      SetpointType = "vpd"
)

// SetpointTypes in evaluation order.
var SetpointTypes = []SetpointType{
	SetpointHeating, SetpointCooling, SetpointHumidity, SetpointCO2, SetpointVPD,
}

// Setpoints is one persisted row: nominal targets for a (zone, mode).
// Mode "" is the legacy default row. Nil fields are "not configured".
type Setpoints struct {
	Zone          Zone        `json:"zone"`
	Mode          ClimateMode `json:"mode"` // "" = default row
	Heating       *float64    `json:"heating_setpoint,omitempty"`
	Cooling       *float64    `json:"cooling_setpoint,omitempty"`
	Humidity      *float64    `json:"humidity,omitempty"`
	CO2           *float64    `json:"co2,omitempty"`
	VPD           *float64    `json:"vpd,omitempty"`
	RampInMinutes int         `json:"ramp_in_duration_minutes"`
}

// Value returns the nominal value for a setpoint type, if configured.
func (s Setpoints) Value(t SetpointType) (float64, bool) {
	var p *float64
	switch t {
	case SetpointHeating:
		p = s.Heating
	case SetpointCooling:
		p = s.Cooling
	case SetpointHumidity:
		p = s.Humidity
	case SetpointCO2:
		p = s.CO2
	case SetpointVPD:
		p = s.VPD
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// SetpointSource records who last wrote a zone's setpoints.
type SetpointSource struct {
	Source string `json:"source"`
	TS     int64  `json:"ts_ms"`
}

// ---- Schedules & rules ----

// Schedule is one on/off window for a device. EndMin < StartMin wraps
// midnight. Day nil means daily.
type Schedule struct {
	ID              int64         `json:"id"`
	Zone            Zone          `json:"zone"`
	Device          string        `json:"device"`
	Day             *time.Weekday `json:"day,omitempty"`
	StartMin        int           `json:"start_min"`
	EndMin          int           `json:"end_min"`
	Enabled         bool          `json:"enabled"`
	ModeTag         ClimateMode   `json:"mode_tag,omitempty"`
	TargetIntensity *float64      `json:"target_intensity,omitempty"`
	RampUpMin       int           `json:"ramp_up_min"`
	RampDownMin     int           `json:"ramp_down_min"`
}

// RoomSchedule is the zone-level light window the mode engine derives
// climate modes from.
type RoomSchedule struct {
	Zone        Zone `json:"zone"`
	DayStartMin int  `json:"day_start_min"`
	DayEndMin   int  `json:"day_end_min"`
	PreDayMin   int  `json:"pre_day_min"`
	PreNightMin int  `json:"pre_night_min"`
}

// Rule is one threshold rule: when the condition holds, drive the
// action device to the given state.
type Rule struct {
	ID         int64   `json:"id"`
	Zone       Zone    `json:"zone"`
	Enabled    bool    `json:"enabled"`
	Sensor     string  `json:"condition_sensor"`
	Op         string  `json:"condition_operator"` // < > <= >= =
	Value      float64 `json:"condition_value"`
	Device     string  `json:"action_device"`
	State      int     `json:"action_state"` // 0 or 1
	Priority   int     `json:"priority"`
	ScheduleID *int64  `json:"schedule_id,omitempty"`
}

// Interlock forbids Device from turning on (or exceeding MaxLoad)
// while BlockedBy is on above MaxLoad.
type Interlock struct {
	Zone      Zone    `json:"zone" yaml:"zone"`
	Device    string  `json:"device" yaml:"device"`
	BlockedBy string  `json:"blocked_by" yaml:"blocked_by"`
	MaxLoad   float64 `json:"max_allowed_load" yaml:"max_allowed_load"`
}

// GlobalInterlock is the cross-zone form; B is blocked by A.
type GlobalInterlock struct {
	A       ZoneDevice `json:"a" yaml:"a"`
	B       ZoneDevice `json:"b" yaml:"b"`
	MaxLoad float64    `json:"max_allowed_load" yaml:"max_allowed_load"`
}

// ---- PID ----

// PIDParams are the gains applied by the duty-cycle controller.
type PIDParams struct {
	Kp float64 `json:"kp" yaml:"kp"`
	Ki float64 `json:"ki" yaml:"ki"`
	Kd float64 `json:"kd" yaml:"kd"`
}

// SetpointRef orders a device's control intents.
type SetpointRef struct {
	Type     SetpointType `json:"setpoint_type" yaml:"setpoint_type"`
	Priority int          `json:"priority" yaml:"priority"`
}

// ---- Readings ----

// Reading is one sensor observation, already canonically named.
type Reading struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	TS    time.Time `json:"ts"`
}

// LastGood is the cached fallback value for a briefly missing sensor.
type LastGood struct {
	Value float64 `json:"value"`
	TS    int64   `json:"timestamp"` // ms
}

// ---- Alarms & failsafe ----

// Severity of an alarm. Critical latches failsafe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alarm is the JSON blob stored at alarm:<zone>:<name>.
type Alarm struct {
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Since        int64    `json:"since"` // ms
	Acknowledged bool     `json:"acknowledged"`
	Active       bool     `json:"active"`
}

// FailsafeRecord is the JSON blob stored at failsafe:<zone>.
type FailsafeRecord struct {
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	Since       int64  `json:"since"` // ms
}

// ---- Device state ----

// DeviceState is a persisted relay snapshot.
type DeviceState struct {
	Zone      Zone        `json:"zone"`
	Device    string      `json:"device"`
	Channel   int         `json:"channel"`
	State     int         `json:"state"`
	Mode      ControlMode `json:"mode"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// AutomationStatus is the JSON blob stored at automation:<zone>:<device>.
type AutomationStatus struct {
	State  int      `json:"state"`
	Mode   string   `json:"mode"`
	Reason string   `json:"reason,omitempty"`
	Duty   *float64 `json:"duty,omitempty"`
	TS     int64    `json:"ts_ms"`
}

// ---- Bus envelopes (retained; the outward WebSocket layer mirrors these) ----

type SensorUpdate struct {
	Type  string  `json:"type"` // "sensor_update"
	Zone  string  `json:"zone"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	TS    int64   `json:"ts_ms"`
}

type DeviceUpdate struct {
	Type   string   `json:"type"` // "device_update"
	Zone   string   `json:"zone"`
	Device string   `json:"device"`
	State  int      `json:"state"`
	Mode   string   `json:"mode"`
	Reason string   `json:"reason,omitempty"`
	Duty   *float64 `json:"duty,omitempty"`
	TS     int64    `json:"ts_ms"`
}

type ModeUpdate struct {
	Type string `json:"type"` // "mode_update"
	Zone string `json:"zone"`
	Mode string `json:"mode"`
	TS   int64  `json:"ts_ms"`
}

type AlarmUpdate struct {
	Type     string `json:"type"` // "alarm_update"
	Zone     string `json:"zone"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Active   bool   `json:"active"`
	TS       int64  `json:"ts_ms"`
}
