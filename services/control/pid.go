package control

import (
	"sort"
	"time"

	"growhouse-go/types"
	"growhouse-go/x/mathx"
)

// pidThreshold is the duty (percent) a setpoint's output must exceed to
// win the device; below it the next priority is tried.
const pidThreshold = 0.5

// integratorLimit clamps the accumulated error (anti-windup).
const integratorLimit = 100.0

type pidKey struct {
	zone   string
	device string
	sp     types.SetpointType
}

type pidState struct {
	integrator float64
	lastError  float64
	primed     bool // lastError holds a real sample; D term is live
}

type pwmKey struct {
	zone   string
	device string
}

type pwmState struct {
	duty    float64
	cycleAt time.Time
	primed  bool
}

// pidBank owns every PID integrator and PWM cycle in the engine.
// Integrators are keyed by (zone, device, setpoint type) so a device
// switching between priorities never corrupts another loop's history.
type pidBank struct {
	pids map[pidKey]*pidState
	pwms map[pwmKey]*pwmState
}

func newPIDBank() *pidBank {
	return &pidBank{
		pids: make(map[pidKey]*pidState),
		pwms: make(map[pwmKey]*pwmState),
	}
}

// compute advances one discrete PID step and returns the output duty in
// [0, 100]. err is already sign-oriented; dt is the tick length in
// seconds. The derivative term is skipped on the first sample.
func (b *pidBank) compute(z types.Zone, device string, sp types.SetpointType,
	gains types.PIDParams, err, dt float64) float64 {

	k := pidKey{zone: z.Key(), device: device, sp: sp}
	st := b.pids[k]
	if st == nil {
		st = &pidState{}
		b.pids[k] = st
	}

	p := gains.Kp * err
	st.integrator = mathx.Clamp(st.integrator+err*dt, -integratorLimit, integratorLimit)
	i := gains.Ki * st.integrator
	var d float64
	if st.primed && dt > 0 {
		d = gains.Kd * (err - st.lastError) / dt
	}
	st.lastError = err
	st.primed = true

	return mathx.Clamp(p+i+d, 0, 100)
}

// resetZone clears the zone's integrators, called on climate-mode
// changes so error accumulated under one regime does not bleed into the
// next. PWM cycles are left running.
func (b *pidBank) resetZone(z types.Zone) {
	zk := z.Key()
	for k := range b.pids {
		if k.zone == zk {
			delete(b.pids, k)
		}
	}
}

// pidErrorSign orients the loop so positive output always means "work
// harder" for the device at hand: heaters push temperature up toward
// the target, coolers push it down, humidifiers raise RH and lower VPD,
// fans and vents purge heat, moisture and CO2.
func pidErrorSign(dt types.DeviceType, sp types.SetpointType) float64 {
	switch sp {
	case types.SetpointHeating:
		return 1
	case types.SetpointCooling:
		return -1
	case types.SetpointHumidity:
		if dt == types.DeviceHumidifier {
			return 1
		}
		return -1
	case types.SetpointCO2:
		if dt == types.DeviceCO2 {
			return 1
		}
		return -1
	case types.SetpointVPD:
		if dt == types.DeviceHumidifier {
			return -1
		}
		return 1
	}
	return 1
}

// selectDuty evaluates a device's setpoint intents in priority order
// (highest first) and returns the first whose PID output exceeds the
// actuation threshold. read supplies (effective setpoint, measured
// value, available) per type; unavailable intents are skipped without
// touching their integrator. ok is false only when no intent could be
// evaluated at all.
func (b *pidBank) selectDuty(z types.Zone, device string, devType types.DeviceType,
	refs []types.SetpointRef, gains types.PIDParams, dt float64,
	read func(types.SetpointType) (target, measured float64, ok bool)) (types.SetpointType, float64, bool) {

	ordered := make([]types.SetpointRef, len(refs))
	copy(ordered, refs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	evaluated := false
	for _, ref := range ordered {
		target, measured, ok := read(ref.Type)
		if !ok {
			continue
		}
		evaluated = true
		err := pidErrorSign(devType, ref.Type) * (target - measured)
		duty := b.compute(z, device, ref.Type, gains, err, dt)
		if duty > pidThreshold {
			return ref.Type, duty, true
		}
	}
	if !evaluated {
		return "", 0, false
	}
	return "", 0, true
}

// pwm maps a duty cycle onto the slow relay PWM and returns the desired
// relay state at instant now. A duty move of more than 0.1 restarts the
// cycle so the new ratio applies immediately.
func (b *pidBank) pwm(z types.Zone, device string, duty float64, period time.Duration, now time.Time) bool {
	k := pwmKey{zone: z.Key(), device: device}
	st := b.pwms[k]
	if st == nil {
		st = &pwmState{}
		b.pwms[k] = st
	}
	if !st.primed || mathx.Abs(duty-st.duty) > 0.1 {
		st.duty = duty
		st.cycleAt = now
		st.primed = true
	}
	if duty <= 0 {
		return false
	}
	if duty >= 100 {
		return true
	}
	phase := now.Sub(st.cycleAt) % period
	on := time.Duration(duty / 100 * float64(period))
	return phase < on
}
