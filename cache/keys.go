package cache

import (
	"strconv"
	"time"

	"growhouse-go/types"
)

// TTLs per key class. Absence of a live key means "no recent data";
// consumers must treat expiry as such, never as zero.
const (
	TTLSensor            = 10 * time.Second
	TTLAutomation        = 10 * time.Second
	TTLMode              = 300 * time.Second
	TTLSetpoint          = 60 * time.Second
	TTLPIDParams         = 300 * time.Second
	TTLRateLimit         = 2 * time.Second
	TTLHeartbeatControl  = 5 * time.Second
	TTLHeartbeatProducer = 10 * time.Second
)

// StaleAfter is the snapshot staleness horizon.
const StaleAfter = 30 * time.Second

// EventStream is the bounded append-only log.
const (
	EventStream    = "sensor:raw"
	EventStreamCap = 100_000
)

func keySensor(name string) string   { return "sensor:" + name }
func keySensorTS(name string) string { return "sensor:" + name + ":ts" }

func keyAutomation(z types.Zone, device string) string {
	return "automation:" + z.Key() + ":" + device
}

func keyMode(z types.Zone) string     { return "mode:" + z.Key() }
func keyFailsafe(z types.Zone) string { return "failsafe:" + z.Key() }

func keyAlarm(z types.Zone, name string) string { return "alarm:" + z.Key() + ":" + name }
func alarmPrefix(z types.Zone) string           { return "alarm:" + z.Key() + ":" }

func keyHeartbeat(service string) string { return "heartbeat:" + service }

func keyLastGood(z types.Zone, name string) string {
	return "sensor:" + z.Key() + ":" + name + ":last_good"
}

func keySetpoint(z types.Zone, field string) string {
	return "setpoint:" + z.Key() + ":" + field
}
func keySetpointSource(z types.Zone) string { return "setpoint:" + z.Key() + ":source" }
func keyRateLimit(z types.Zone, field string) string {
	return "setpoint:" + z.Key() + ":" + field + ":last_write"
}

func keyPIDParams(deviceType types.DeviceType) string {
	return "pid:parameters:" + string(deviceType)
}

func keyLight(z types.Zone, device string) string {
	return "light:" + z.Key() + ":" + device
}

func keyDACSafety(boardID int) string {
	return "dac:safety_level:" + strconv.Itoa(boardID)
}
