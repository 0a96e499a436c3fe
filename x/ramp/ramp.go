// Package ramp provides linear interpolation helpers for setpoint and
// light-intensity ramps.
package ramp

import (
	"time"

	"growhouse-go/x/mathx"
)

// Progress maps elapsed time onto [0, 1]. A non-positive duration is an
// instant ramp (progress 1).
func Progress(start, now time.Time, duration time.Duration) float64 {
	if duration <= 0 {
		return 1
	}
	return mathx.Clamp(float64(now.Sub(start))/float64(duration), 0, 1)
}

// Lerp interpolates from -> to at the given progress.
func Lerp(from, to, progress float64) float64 {
	return from + (to-from)*mathx.Clamp(progress, 0, 1)
}

// LightProfile computes the intensity of a dimmable device inside a
// scheduled window with optional ramp phases at both edges:
//
//	ramp-up:   sinceStart < rampUp   -> current + (target-current)*progress
//	ramp-down: untilEnd < rampDown   -> current * (untilEnd/rampDown)
//	steady:    otherwise             -> target
//
// All minute arguments are window-relative and non-negative; the result
// is clamped to [0, 100].
func LightProfile(current, target, sinceStartMin, untilEndMin, rampUpMin, rampDownMin float64) float64 {
	var out float64
	switch {
	case rampUpMin > 0 && sinceStartMin < rampUpMin:
		out = Lerp(current, target, sinceStartMin/rampUpMin)
	case rampDownMin > 0 && untilEndMin < rampDownMin:
		out = current * mathx.Clamp(untilEndMin/rampDownMin, 0, 1)
	default:
		out = target
	}
	return mathx.Clamp(out, 0, 100)
}
