package decode

import "time"

// NDIR CO2 sensors intermittently report 0 ppm during internal
// recalibration. A real zero only happens when the room is purged,
// which shows up as a steep concentration drop. The filter keeps a
// short history per sensor and discards zeros that no plausible drop
// rate explains.

const (
	co2RingSize     = 3
	co2HistoryGap   = 30 * time.Second
	co2PurgeRate    = 200 // ppm/s
	co2PurgeMinimum = 300 // ppm; below this a purge cannot be told from a glitch
)

type co2Sample struct {
	v float64
	t time.Time
}

type co2Ring struct {
	samples []co2Sample // oldest first, at most co2RingSize
}

// Accept decides whether a reading enters the stream. Rejected
// readings leave the history untouched.
func (r *co2Ring) Accept(v float64, now time.Time) bool {
	if v > 0 {
		r.push(v, now)
		return true
	}

	// Zero reading. With no usable recent history it stands.
	n := len(r.samples)
	if n == 0 {
		r.push(v, now)
		return true
	}
	prev := r.samples[n-1]
	if now.Sub(prev.t) > co2HistoryGap {
		r.push(v, now)
		return true
	}
	if prev.v >= co2PurgeMinimum && r.dropRate(now) > co2PurgeRate {
		r.push(v, now)
		return true
	}
	return false
}

// dropRate estimates how fast the concentration was falling. With two
// or more samples it is the observed decline across the most recent
// pair; with a single sample it is the rate implied by falling from
// that value to zero now.
func (r *co2Ring) dropRate(now time.Time) float64 {
	n := len(r.samples)
	last := r.samples[n-1]
	if n >= 2 {
		prev := r.samples[n-2]
		dt := last.t.Sub(prev.t).Seconds()
		if dt <= 0 {
			return 0
		}
		return (prev.v - last.v) / dt
	}
	dt := now.Sub(last.t).Seconds()
	if dt <= 0 {
		return 0
	}
	return last.v / dt
}

func (r *co2Ring) push(v float64, t time.Time) {
	if len(r.samples) >= co2RingSize {
		copy(r.samples, r.samples[1:])
		r.samples = r.samples[:co2RingSize-1]
	}
	r.samples = append(r.samples, co2Sample{v: v, t: t})
}
