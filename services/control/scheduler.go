package control

import (
	"math"
	"time"

	"growhouse-go/types"
	"growhouse-go/x/ramp"
	"growhouse-go/x/timex"
)

// climateModeAt derives the climate mode for a minute-of-day from the
// zone's light window. The four intervals are evaluated in priority
// order on the 1440-minute ring:
//
//	PRE_DAY   [dayStart-preDay, dayStart)
//	DAY       [dayStart, dayEnd)
//	PRE_NIGHT [dayEnd, dayEnd+preNight)
//	NIGHT     everything else
//
// Returned start/end are the bounds of the matched interval.
func climateModeAt(rs types.RoomSchedule, minute int) (types.ClimateMode, int, int) {
	preDayStart := timex.Mod(rs.DayStartMin - rs.PreDayMin)
	preNightEnd := timex.Mod(rs.DayEndMin + rs.PreNightMin)

	switch {
	case timex.InWindow(minute, preDayStart, rs.DayStartMin):
		return types.ModePreDay, preDayStart, rs.DayStartMin
	case timex.InWindow(minute, rs.DayStartMin, rs.DayEndMin):
		return types.ModeDay, rs.DayStartMin, rs.DayEndMin
	case timex.InWindow(minute, rs.DayEndMin, preNightEnd):
		return types.ModePreNight, rs.DayEndMin, preNightEnd
	default:
		return types.ModeNight, preNightEnd, preDayStart
	}
}

// scheduleActive reports whether schedule s covers instant t. A window
// with EndMin < StartMin wraps midnight; for day-pinned schedules the
// post-midnight tail still belongs to the pinned weekday.
func scheduleActive(s types.Schedule, t time.Time) bool {
	if !s.Enabled {
		return false
	}
	min := timex.MinuteOfDay(t)
	if !timex.InWindow(min, s.StartMin, s.EndMin) {
		return false
	}
	if s.Day == nil {
		return true
	}
	day := t.Weekday()
	if s.EndMin < s.StartMin && min < s.EndMin {
		day = (day + 6) % 7 // window started yesterday
	}
	return day == *s.Day
}

// scheduledState is the relay state an active schedule asks for.
func scheduledState(s types.Schedule) int {
	if s.ModeTag == types.ModeNight {
		return 0
	}
	return 1
}

// scheduleIntensity computes a dimmable device's intensity inside an
// active schedule, using fractional minutes so a long ramp moves every
// tick rather than once a minute.
func scheduleIntensity(s types.Schedule, current float64, t time.Time) float64 {
	if s.TargetIntensity == nil {
		return current
	}
	minf := float64(timex.MinuteOfDay(t)) + float64(t.Second())/60
	since := ringMinutes(minf - float64(s.StartMin))
	until := ringMinutes(float64(s.EndMin) - minf)
	return ramp.LightProfile(current, *s.TargetIntensity, since, until,
		float64(s.RampUpMin), float64(s.RampDownMin))
}

func ringMinutes(m float64) float64 {
	m = math.Mod(m, timex.MinutesPerDay)
	if m < 0 {
		m += timex.MinutesPerDay
	}
	return m
}
