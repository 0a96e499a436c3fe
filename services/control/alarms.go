package control

import (
	"context"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"growhouse-go/cache"
	"growhouse-go/errcode"
	"growhouse-go/metrics"
	"growhouse-go/types"
	"growhouse-go/x/timex"
)

// Per-zone failsafe machine states and triggers.
const (
	fsNormal   = "normal"
	fsFailsafe = "failsafe"

	trigCritical = "critical_alarm"
	trigCleared  = "operator_clear"
)

// alarmManager tracks per-zone alarms in the live cache and escalates
// critical ones into a latched failsafe. The latch is an in-memory
// state machine per zone, so it holds even when the cache's mode key
// expires; restore rebuilds it from failsafe:<zone> after a restart.
type alarmManager struct {
	cache *cache.Cache
	met   *metrics.Set
	log   zerolog.Logger

	machines map[string]*stateless.StateMachine
}

func newAlarmManager(c *cache.Cache, met *metrics.Set, log zerolog.Logger) *alarmManager {
	return &alarmManager{
		cache:    c,
		met:      met,
		log:      log.With().Str("component", "alarms").Logger(),
		machines: make(map[string]*stateless.StateMachine),
	}
}

func (a *alarmManager) machine(z types.Zone) *stateless.StateMachine {
	if sm, ok := a.machines[z.Key()]; ok {
		return sm
	}
	sm := stateless.NewStateMachine(fsNormal)
	sm.Configure(fsNormal).
		Permit(trigCritical, fsFailsafe).
		Ignore(trigCleared)
	sm.Configure(fsFailsafe).
		OnEntry(func(ctx context.Context, args ...any) error {
			rec := args[0].(types.FailsafeRecord)
			if err := a.cache.SetFailsafe(ctx, z, rec); err != nil {
				return err
			}
			a.log.Warn().Str("zone", z.Key()).Str("trigger", rec.TriggeredBy).
				Msg("failsafe latched")
			return a.cache.SetMode(ctx, z, types.OpFailsafe)
		}).
		OnExit(func(ctx context.Context, args ...any) error {
			if err := a.cache.ClearFailsafe(ctx, z); err != nil {
				return err
			}
			a.log.Info().Str("zone", z.Key()).Msg("failsafe cleared")
			return a.cache.SetMode(ctx, z, types.OpAuto)
		}).
		Ignore(trigCritical).
		Permit(trigCleared, fsNormal)
	a.machines[z.Key()] = sm
	return sm
}

// Raise upserts an alarm and reports whether it transitioned from
// inactive to active. A still-active alarm keeps its original since
// across re-raises and severity escalations. Critical severity latches
// the zone's failsafe.
func (a *alarmManager) Raise(ctx context.Context, z types.Zone, name string,
	sev types.Severity, msg string) (types.Alarm, bool, error) {

	now := timex.NowMs()
	alarm := types.Alarm{Severity: sev, Message: msg, Since: now, Active: true}

	prev, ok, err := a.cache.Alarm(ctx, z, name)
	if err != nil {
		return types.Alarm{}, false, err
	}
	wasActive := ok && prev.Active
	if wasActive {
		alarm.Since = prev.Since
	}
	if err := a.cache.SetAlarm(ctx, z, name, alarm); err != nil {
		return types.Alarm{}, false, err
	}

	switch {
	case !wasActive:
		a.met.ActiveAlarms.WithLabelValues(string(sev)).Inc()
	case prev.Severity != sev:
		a.met.ActiveAlarms.WithLabelValues(string(prev.Severity)).Dec()
		a.met.ActiveAlarms.WithLabelValues(string(sev)).Inc()
	}

	if sev == types.SeverityCritical {
		rec := types.FailsafeRecord{Reason: msg, TriggeredBy: name, Since: now}
		if err := a.machine(z).FireCtx(ctx, trigCritical, rec); err != nil {
			return alarm, !wasActive, err
		}
	}
	return alarm, !wasActive, nil
}

// Clear deactivates one alarm, keeping its record for inspection.
func (a *alarmManager) Clear(ctx context.Context, z types.Zone, name string) (types.Alarm, bool, error) {
	prev, ok, err := a.cache.Alarm(ctx, z, name)
	if err != nil || !ok {
		return types.Alarm{}, false, err
	}
	if prev.Active {
		prev.Active = false
		a.met.ActiveAlarms.WithLabelValues(string(prev.Severity)).Dec()
		if err := a.cache.SetAlarm(ctx, z, name, prev); err != nil {
			return types.Alarm{}, false, err
		}
		return prev, true, nil
	}
	return prev, false, nil
}

// Acknowledge marks an alarm seen without deactivating it.
func (a *alarmManager) Acknowledge(ctx context.Context, z types.Zone, name string) error {
	prev, ok, err := a.cache.Alarm(ctx, z, name)
	if err != nil {
		return err
	}
	if !ok {
		return &errcode.E{C: errcode.UnknownSensor, Op: "alarms.ack", Msg: name}
	}
	prev.Acknowledged = true
	return a.cache.SetAlarm(ctx, z, name, prev)
}

// ClearFailsafe releases the latch, refused while any critical alarm in
// the zone is still active.
func (a *alarmManager) ClearFailsafe(ctx context.Context, z types.Zone) error {
	alarms, err := a.cache.Alarms(ctx, z)
	if err != nil {
		return err
	}
	for name, al := range alarms {
		if al.Active && al.Severity == types.SeverityCritical {
			return &errcode.E{C: errcode.FailsafeLatched, Op: "alarms.clear_failsafe",
				Msg: "active critical alarm " + name}
		}
	}
	return a.machine(z).FireCtx(ctx, trigCleared)
}

// Latched reports whether the zone's failsafe is engaged.
func (a *alarmManager) Latched(z types.Zone) bool {
	return a.machine(z).MustState() == fsFailsafe
}

// Restore re-latches machines from failsafe:<zone> records after a
// restart, preserving the original trigger and timestamp.
func (a *alarmManager) Restore(ctx context.Context, zones []types.Zone) error {
	for _, z := range zones {
		rec, ok, err := a.cache.Failsafe(ctx, z)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := a.machine(z).FireCtx(ctx, trigCritical, rec); err != nil {
			return err
		}
	}
	return nil
}

// Reassert refreshes the mode key of a latched zone so its TTL never
// lapses back to auto while the latch holds.
func (a *alarmManager) Reassert(ctx context.Context, z types.Zone) error {
	if !a.Latched(z) {
		return nil
	}
	return a.cache.SetMode(ctx, z, types.OpFailsafe)
}
