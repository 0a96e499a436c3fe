package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"growhouse-go/errcode"
	"growhouse-go/types"
	"growhouse-go/x/timex"
)

var validate = validator.New()

// Load reads, defaults, and validates one service config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document. Unknown fields are rejected so
// typos fail loudly instead of silently defaulting.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, invalidf("parse: %v", err)
	}
	cfg.applyDefaults()
	if err := validate.Struct(&cfg); err != nil {
		return nil, invalidf("%s", describeFieldErrors(err))
	}
	if err := cfg.crossValidate(); err != nil {
		return nil, err
	}
	cfg.buildIndexes()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Hardware.CANInterface == "" {
		c.Hardware.CANInterface = "can0"
	}
	if c.Hardware.I2CBus == "" {
		c.Hardware.I2CBus = "1"
	}
	if c.Hardware.GPIOAddress == 0 {
		c.Hardware.GPIOAddress = 0x20
	}
	for i := range c.Hardware.DACBoards {
		if c.Hardware.DACBoards[i].Address == 0 {
			c.Hardware.DACBoards[i].Address = 0x58
		}
	}
	if c.Hardware.UnknownZone.IsZero() {
		c.Hardware.UnknownZone = types.Zone{Location: "Unknown", Cluster: "main"}
	}
	if c.Cache.Addr == "" {
		c.Cache.Addr = "127.0.0.1:6379"
	}
	if c.Control.UpdateInterval == 0 {
		c.Control.UpdateInterval = Duration(time.Second)
	}
	if c.Control.LastGoodHold == 0 {
		c.Control.LastGoodHold = Duration(30 * time.Second)
	}
	if c.Control.AutoPersistInterval == 0 {
		c.Control.AutoPersistInterval = Duration(30 * time.Second)
	}
	if c.Control.SetpointWritesPerSecond == 0 {
		c.Control.SetpointWritesPerSecond = 1
	}
	if c.Control.Safety == (SafetyLimits{}) {
		c.Control.Safety = SafetyLimits{
			TempMin: -20, TempMax: 60, HumidityMax: 100, CO2Max: 10000, VPDMax: 10,
		}
	}
	if c.Control.PIDLimits == (PIDLimits{}) {
		c.Control.PIDLimits = PIDLimits{KpMax: 1000, KiMax: 100, KdMax: 10000}
	}
	for zi := range c.Zones {
		z := &c.Zones[zi]
		for di := range z.Devices {
			d := &z.Devices[di]
			if d.ActiveHigh == nil {
				high := true
				d.ActiveHigh = &high
			}
			if d.PID != nil && d.PID.PWMPeriod == 0 {
				d.PID.PWMPeriod = Duration(100 * time.Second)
			}
		}
	}
	for i := range c.Soil {
		if c.Soil[i].Port == "" {
			c.Soil[i].Port = "/dev/serial0"
		}
		if c.Soil[i].PollInterval == 0 {
			c.Soil[i].PollInterval = Duration(5 * time.Second)
		}
	}
	if c.Weather.PollInterval == 0 {
		c.Weather.PollInterval = Duration(15 * time.Minute)
	}
}

// crossValidate checks everything struct tags cannot: uniqueness,
// references between sections, and window geometry.
func (c *Config) crossValidate() error {
	boards := make(map[int]bool, len(c.Hardware.DACBoards))
	for _, b := range c.Hardware.DACBoards {
		if boards[b.BoardID] {
			return invalidf("dac board_id %d declared twice", b.BoardID)
		}
		boards[b.BoardID] = true
	}

	zoneSeen := make(map[types.Zone]bool, len(c.Zones))
	gpioOwner := make(map[int]string)
	dacOwner := make(map[[2]int]string)
	for zi := range c.Zones {
		z := &c.Zones[zi]
		id := z.ID()
		if zoneSeen[id] {
			return invalidf("zone %s declared twice", id.Key())
		}
		zoneSeen[id] = true

		names := make(map[string]bool, len(z.Devices))
		for di := range z.Devices {
			d := &z.Devices[di]
			ref := id.Key() + "/" + d.Name
			if names[d.Name] {
				return invalidf("device %s declared twice", ref)
			}
			names[d.Name] = true
			if owner, taken := gpioOwner[d.Channel]; taken {
				return invalidf("channel %d assigned to both %s and %s", d.Channel, owner, ref)
			}
			gpioOwner[d.Channel] = ref

			if d.Dimming != nil {
				if !boards[d.Dimming.BoardID] {
					return invalidf("%s: dac board_id %d not declared", ref, d.Dimming.BoardID)
				}
				key := [2]int{d.Dimming.BoardID, d.Dimming.Channel}
				if owner, taken := dacOwner[key]; taken {
					return invalidf("dac %d/%d assigned to both %s and %s",
						key[0], key[1], owner, ref)
				}
				dacOwner[key] = ref
			}
			if err := c.validatePID(ref, d.PID); err != nil {
				return err
			}
		}

		for _, d := range z.Devices {
			for _, il := range d.Interlocks {
				if !names[il.Device] {
					return invalidf("%s/%s: interlock names unknown device %q",
						id.Key(), d.Name, il.Device)
				}
			}
		}
		if err := validateRoomWindow(id, z.RoomSchedule); err != nil {
			return err
		}
		for si := range z.Schedules {
			if !names[z.Schedules[si].Device] {
				return invalidf("%s: schedule names unknown device %q",
					id.Key(), z.Schedules[si].Device)
			}
			if _, err := z.Schedules[si].Domain(id); err != nil {
				return invalidf("%s: %v", id.Key(), err)
			}
		}
		for ri := range z.Rules {
			if !names[z.Rules[ri].Device] {
				return invalidf("%s: rule names unknown device %q",
					id.Key(), z.Rules[ri].Device)
			}
		}
	}

	for _, il := range c.Interlocks {
		if !c.deviceDeclared(il.A) {
			return invalidf("interlock names unknown device %s/%s", il.A.Zone.Key(), il.A.Device)
		}
		if !c.deviceDeclared(il.B) {
			return invalidf("interlock names unknown device %s/%s", il.B.Zone.Key(), il.B.Device)
		}
	}

	beds := make(map[string]bool, len(c.Soil))
	for _, p := range c.Soil {
		if beds[p.Bed] {
			return invalidf("soil bed %q declared twice", p.Bed)
		}
		beds[p.Bed] = true
	}
	return nil
}

func (c *Config) validatePID(ref string, p *PIDConfig) error {
	if p == nil {
		return nil
	}
	lim := c.Control.PIDLimits
	switch {
	case p.Kp < 0 || p.Ki < 0 || p.Kd < 0:
		return invalidf("%s: pid gains must be non-negative", ref)
	case p.Kp > lim.KpMax || p.Ki > lim.KiMax || p.Kd > lim.KdMax:
		return invalidf("%s: pid gains exceed limits (kp<=%g ki<=%g kd<=%g)",
			ref, lim.KpMax, lim.KiMax, lim.KdMax)
	case len(p.Setpoints) == 0:
		return invalidf("%s: pid block needs at least one setpoint", ref)
	}
	seen := make(map[types.SetpointType]bool, len(p.Setpoints))
	for _, sp := range p.Setpoints {
		if !validSetpointType(sp.Type) {
			return invalidf("%s: unknown setpoint type %q", ref, sp.Type)
		}
		if seen[sp.Type] {
			return invalidf("%s: setpoint type %q listed twice", ref, sp.Type)
		}
		seen[sp.Type] = true
	}
	return nil
}

func validateRoomWindow(z types.Zone, rs *RoomSchedule) error {
	if rs == nil {
		return nil
	}
	if rs.DayStart == rs.DayEnd {
		return invalidf("%s: room schedule day_start equals day_end", z.Key())
	}
	preDay := int(rs.PreDay.Std() / time.Minute)
	preNight := int(rs.PreNight.Std() / time.Minute)
	if preDay < 0 || preDay > 240 || preNight < 0 || preNight > 240 {
		return invalidf("%s: pre-phases must be 0-240 min", z.Key())
	}
	nightLen := timex.MinutesPerDay - timex.Mod(rs.DayEnd.Minutes()-rs.DayStart.Minutes())
	if preDay+preNight >= nightLen {
		return invalidf("%s: pre-phases (%d+%d min) do not fit the %d min night",
			z.Key(), preDay, preNight, nightLen)
	}
	return nil
}

func validSetpointType(t types.SetpointType) bool {
	for _, st := range types.SetpointTypes {
		if st == t {
			return true
		}
	}
	return false
}

func (c *Config) deviceDeclared(zd types.ZoneDevice) bool {
	z, ok := c.FindZone(zd.Zone)
	if !ok {
		return false
	}
	for i := range z.Devices {
		if z.Devices[i].Name == zd.Device {
			return true
		}
	}
	return false
}

func (c *Config) buildIndexes() {
	c.devices = make(map[types.Zone]map[string]*Device, len(c.Zones))
	c.interlocks = make(map[types.Zone]map[string][]types.Interlock, len(c.Zones))
	for zi := range c.Zones {
		z := &c.Zones[zi]
		id := z.ID()
		devs := make(map[string]*Device, len(z.Devices))
		locks := make(map[string][]types.Interlock)
		for di := range z.Devices {
			d := &z.Devices[di]
			devs[d.Name] = d
			for _, il := range d.Interlocks {
				locks[d.Name] = append(locks[d.Name], types.Interlock{
					Zone:      id,
					Device:    d.Name,
					BlockedBy: il.Device,
					MaxLoad:   il.MaxAllowedLoad,
				})
			}
		}
		c.devices[id] = devs
		c.interlocks[id] = locks
	}
}

func invalidf(format string, args ...any) error {
	return &errcode.E{C: errcode.InvalidConfig, Op: "config", Msg: fmt.Sprintf(format, args...)}
}

// describeFieldErrors flattens validator output into one line per
// offending field.
func describeFieldErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	var buf bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s fails %q", fe.Namespace(), fe.Tag())
	}
	return buf.String()
}
