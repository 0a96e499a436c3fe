package control

import (
	"time"

	"growhouse-go/types"
	"growhouse-go/x/mathx"
)

// ruleMatch is the action of the winning rule for a zone.
type ruleMatch struct {
	Device string
	State  int
	RuleID int64
}

// evalRules evaluates a zone's threshold rules against the current
// sensor map and returns the highest-priority match (first wins on
// ties). Rules gated on a schedule only fire while that schedule is
// active; rules whose sensor is absent are skipped.
func evalRules(rules []types.Rule, schedules []types.Schedule,
	sensors map[string]float64, now time.Time) (ruleMatch, bool) {

	byID := make(map[int64]types.Schedule, len(schedules))
	for _, s := range schedules {
		byID[s.ID] = s
	}

	var best *types.Rule
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if r.ScheduleID != nil {
			s, ok := byID[*r.ScheduleID]
			if !ok || !scheduleActive(s, now) {
				continue
			}
		}
		v, ok := sensors[r.Sensor]
		if !ok {
			continue
		}
		if !ruleHolds(r.Op, v, r.Value) {
			continue
		}
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	if best == nil {
		return ruleMatch{}, false
	}
	return ruleMatch{Device: best.Device, State: best.State, RuleID: best.ID}, true
}

func ruleHolds(op string, x, y float64) bool {
	switch op {
	case "<":
		return x < y
	case ">":
		return x > y
	case "<=":
		return x <= y
	case ">=":
		return x >= y
	case "=":
		return mathx.Abs(x-y) < 0.01
	default:
		return false
	}
}
