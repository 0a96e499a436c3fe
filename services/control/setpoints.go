package control

import (
	"time"

	"growhouse-go/types"
	"growhouse-go/x/ramp"
)

// rampResult is one setpoint type's per-tick outcome. Progress is nil
// when no ramp is in flight (locked to target).
type rampResult struct {
	Effective float64
	Nominal   float64
	Progress  *float64
}

// rampState tracks one (zone, setpoint type) interpolation.
type rampState struct {
	target    float64
	start     float64
	rampStart time.Time
	duration  time.Duration
	effective float64
	ramping   bool
}

// rampEngine holds ramp state keyed by (zone, setpoint type), never by
// mode, so a mode flip-flop with an unchanged target does not restart a
// ramp in flight.
type rampEngine struct {
	states map[string]map[types.SetpointType]*rampState
	modes  map[string]types.ClimateMode
}

func newRampEngine() *rampEngine {
	return &rampEngine{
		states: make(map[string]map[types.SetpointType]*rampState),
		modes:  make(map[string]types.ClimateMode),
	}
}

// zoneTick records the zone's climate mode for this tick and reports
// whether it changed since the previous tick. The first observation is
// not a change.
func (e *rampEngine) zoneTick(z types.Zone, mode types.ClimateMode) bool {
	k := z.Key()
	prev, seen := e.modes[k]
	e.modes[k] = mode
	return seen && prev != mode
}

// tick advances one setpoint type. nominal is the configured target for
// the current mode; duration the ramp length (0 = instant); fallback
// supplies the latest sensor reading for ramps that must start without
// prior state.
func (e *rampEngine) tick(z types.Zone, sp types.SetpointType, modeChanged bool,
	nominal float64, duration time.Duration, now time.Time,
	fallback func() (float64, bool)) rampResult {

	zs := e.states[z.Key()]
	if zs == nil {
		zs = make(map[types.SetpointType]*rampState)
		e.states[z.Key()] = zs
	}
	st := zs[sp]

	// Advance an in-flight ramp to now first, so a restart below measures
	// its origin from the value actually applied at this instant.
	if st != nil && st.ramping {
		if st.duration <= 0 {
			st.effective, st.ramping = st.target, false
		} else {
			p := ramp.Progress(st.rampStart, now, st.duration)
			st.effective = ramp.Lerp(st.start, st.target, p)
			if p >= 1 {
				st.effective, st.ramping = st.target, false
			}
		}
	}

	switch {
	case st == nil && !modeChanged:
		// Cold start: adopt the nominal outright, no spurious ramp.
		st = &rampState{target: nominal, start: nominal, effective: nominal}
		zs[sp] = st

	case st == nil && modeChanged:
		start := nominal
		if fallback != nil {
			if v, ok := fallback(); ok {
				start = v
			}
		}
		st = &rampState{
			target: nominal, start: start, effective: start,
			rampStart: now, duration: duration, ramping: true,
		}
		zs[sp] = st

	case modeChanged:
		if st.target == nominal {
			st.duration = duration // same destination, new pace
		} else {
			st.start = st.effective
			st.target = nominal
			st.rampStart = now
			st.duration = duration
			st.ramping = true
		}

	default:
		if st.target != nominal {
			st.start = st.effective
			st.target = nominal
			st.rampStart = now
			st.duration = duration
			st.ramping = true
		} else if st.ramping && st.duration != duration {
			st.duration = duration
		}
	}

	res := rampResult{Nominal: nominal}
	if st.ramping {
		if st.duration <= 0 {
			st.effective, st.ramping = st.target, false
		} else {
			p := ramp.Progress(st.rampStart, now, st.duration)
			st.effective = ramp.Lerp(st.start, st.target, p)
			if p >= 1 {
				st.effective, st.ramping = st.target, false
			} else {
				res.Progress = &p
			}
		}
	}
	res.Effective = st.effective
	return res
}
