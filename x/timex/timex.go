package timex

import (
	"fmt"
	"time"
)

// MinutesPerDay is the size of the minute-of-day ring.
const MinutesPerDay = 1440

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// MinuteOfDay returns minutes since local midnight for t.
func MinuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse clock %q: out of range", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(min int) string {
	min = Mod(min)
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}

// Mod wraps a minute value onto the 0-1439 ring.
func Mod(min int) int {
	m := min % MinutesPerDay
	if m < 0 {
		m += MinutesPerDay
	}
	return m
}

// InWindow reports whether t lies in the half-open ring interval [s, e).
// A wrapped window (s > e) covers t >= s or t < e. s == e is empty.
func InWindow(t, s, e int) bool {
	t, s, e = Mod(t), Mod(s), Mod(e)
	if s == e {
		return false
	}
	if s < e {
		return t >= s && t < e
	}
	return t >= s || t < e
}

// SinceStart returns ring minutes from s forward to t.
func SinceStart(t, s int) int { return Mod(t - s) }

// UntilEnd returns ring minutes from t forward to e.
func UntilEnd(t, e int) int { return Mod(e - t) }
