// Package control runs the 1 Hz automation engine: climate modes,
// setpoint ramps, threshold rules, schedules, PID duty cycles with slow
// PWM, interlocked relay switching, alarms with a latched failsafe, and
// the decision trail every tick leaves in the cache, the event log and
// the store.
package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"growhouse-go/bus"
	"growhouse-go/cache"
	"growhouse-go/config"
	"growhouse-go/errcode"
	"growhouse-go/metrics"
	"growhouse-go/store"
	"growhouse-go/types"
	"growhouse-go/x/timex"
)

// vpdBand is the hysteresis half-width (kPa) of the moisture-pull
// branch for fans and dehumidifiers.
const vpdBand = 0.1

// watchdogCap bounds the restart back-off after a loop panic.
const watchdogCap = 60 * time.Second

// systemZone owns producer-liveness alarms that belong to no grow zone.
var systemZone = types.Zone{Location: "System", Cluster: "main"}

// DACBank is the dimmable-output surface the engine drives; implemented
// by *gp8413.Manager.
type DACBank interface {
	SetIntensity(boardID, ch int, percent float64, persist bool) error
	Intensity(boardID, ch int) (float64, bool)
	HaltAll() error
}

// Options assembles an Engine.
type Options struct {
	Config  *config.Config
	Cache   *cache.Cache
	Store   Persistence
	GPIO    GPIO
	DAC     DACBank
	Bus     *bus.Connection
	Metrics *metrics.Set
	Log     zerolog.Logger
}

// Engine is the control service: one serial loop over all zones per
// update interval, plus the auto-persist task. All mutable state lives
// in the engine's own components; operator edits arrive through the
// store and the live cache between ticks.
type Engine struct {
	cache *cache.Cache
	db    Persistence
	dac   DACBank
	met   *metrics.Set
	conn  *bus.Connection
	log   zerolog.Logger

	relays *relayManager
	alarms *alarmManager
	ramps  *rampEngine
	pids   *pidBank

	cfg atomic.Pointer[config.Config]

	mu     sync.Mutex
	duties map[types.ZoneDevice]float64
}

// New wires an engine. Run must be called before the loop does anything.
func New(o Options) *Engine {
	e := &Engine{
		cache:  o.Cache,
		db:     o.Store,
		dac:    o.DAC,
		met:    o.Metrics,
		conn:   o.Bus,
		log:    o.Log.With().Str("service", "control").Logger(),
		ramps:  newRampEngine(),
		pids:   newPIDBank(),
		duties: make(map[types.ZoneDevice]float64),
	}
	e.cfg.Store(o.Config)
	e.relays = newRelayManager(o.GPIO, o.Metrics, e.log)
	e.alarms = newAlarmManager(o.Cache, o.Metrics, e.log)
	e.relays.setLoadFunc(e.deviceLoad)
	return e
}

// SetConfig swaps in a fresh snapshot; the next tick uses it.
func (e *Engine) SetConfig(c *config.Config) { e.cfg.Store(c) }

func (e *Engine) config() *config.Config { return e.cfg.Load() }

// deviceLoad reports the current load percent used by interlock checks:
// DAC intensity for dimmable devices, the latest PID duty otherwise.
func (e *Engine) deviceLoad(z types.Zone, device string) *float64 {
	d, ok := e.config().FindDevice(z, device)
	if !ok {
		return nil
	}
	if d.Dimmable() {
		if v, ok := e.dac.Intensity(d.Dimming.BoardID, d.Dimming.Channel); ok {
			return &v
		}
		return nil
	}
	if d.PIDEnabled() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if v, ok := e.duties[types.ZoneDevice{Zone: z, Device: device}]; ok {
			return &v
		}
	}
	return nil
}

func (e *Engine) setDuty(z types.Zone, device string, duty float64) {
	e.mu.Lock()
	e.duties[types.ZoneDevice{Zone: z, Device: device}] = duty
	e.mu.Unlock()
}

// Run restores persisted state and drives the loop plus the
// auto-persist task until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bootstrap(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx) })
	g.Go(func() error { return e.autoPersist(ctx) })
	return g.Wait()
}

// loop is the watchdog: it restarts the tick loop after a panic with
// exponential back-off, resetting once a run survives a minute.
func (e *Engine) loop(ctx context.Context) error {
	backoff := time.Second
	for {
		started := time.Now()
		err := e.runTicks(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		e.log.Error().Err(err).Dur("backoff", backoff).Msg("control loop crashed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchdogCap)
	}
}

func (e *Engine) runTicks(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control tick panic: %v", r)
		}
	}()
	ticker := time.NewTicker(e.config().Control.UpdateInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

// autoPersist flushes the relay map to the store so a restart restores
// a recent world.
func (e *Engine) autoPersist(ctx context.Context) error {
	ticker := time.NewTicker(e.config().Control.AutoPersistInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.db.UpsertDeviceStates(ctx, e.relays.snapshot()); err != nil {
				e.log.Warn().Err(err).Msg("device state flush failed")
			}
		}
	}
}

// tick runs one full pass: producer health, then each zone serially. A
// store failure suspends actuation for the remainder of the tick and
// triggers a reconnect; sensor producers keep feeding the cache
// meanwhile.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	started := time.Now()
	defer func() { e.met.TickDuration.Observe(time.Since(started).Seconds()) }()

	cfg := e.config()
	e.watchProducers(ctx, cfg)

	for _, z := range cfg.ZoneIDs() {
		snap, err := loadZoneSnapshot(ctx, e.db, z)
		if err != nil {
			e.log.Error().Err(err).Str("zone", z.Key()).
				Msg("store unavailable, actuation suspended for this tick")
			e.met.DBReconnects.Inc()
			if rerr := e.db.Reconnect(ctx); rerr != nil {
				e.log.Error().Err(rerr).Msg("store reconnect failed")
			}
			return
		}
		recs := e.tickZone(ctx, cfg, z, snap, now)
		if err := e.db.AppendAutomationState(ctx, recs); err != nil {
			e.log.Warn().Err(err).Str("zone", z.Key()).Msg("automation state append failed")
		}
	}
}

// zoneState carries one zone's per-tick working set through the passes.
type zoneState struct {
	cfg     *config.Config
	zcfg    *config.Zone
	zone    types.Zone
	snap    zoneSnapshot
	mode    types.ClimateMode
	eff     map[types.SetpointType]float64
	sensors map[string]float64
	now     time.Time
}

func (e *Engine) tickZone(ctx context.Context, cfg *config.Config, z types.Zone,
	snap zoneSnapshot, now time.Time) []store.AutomationRecord {

	zcfg, ok := cfg.FindZone(z)
	if !ok {
		return nil
	}

	var mode types.ClimateMode
	if snap.HasRoomSchedule {
		mode, _, _ = climateModeAt(snap.RoomSchedule, timex.MinuteOfDay(now))
	}
	modeChanged := e.ramps.zoneTick(z, mode)
	if modeChanged {
		e.pids.resetZone(z)
		e.log.Info().Str("zone", z.Key()).Str("mode", string(mode)).Msg("climate mode changed")
	}

	zs := &zoneState{
		cfg: cfg, zcfg: zcfg, zone: z, snap: snap, mode: mode, now: now,
		eff: make(map[types.SetpointType]float64, len(types.SetpointTypes)),
	}

	live, err := e.cache.Snapshot(ctx, zoneSensorNames(zcfg, snap))
	if err != nil {
		e.log.Warn().Err(err).Str("zone", z.Key()).Msg("sensor snapshot failed")
		live = map[string]cache.SensorValue{}
	}
	zs.sensors = make(map[string]float64, len(live))
	for n, sv := range live {
		if !sv.Stale {
			zs.sensors[n] = sv.Value
		}
	}

	e.rampSetpoints(ctx, zs, modeChanged)

	// Latched zones only get their mode key refreshed; manual zones are
	// not driven at all. Both still report state for dashboards.
	if e.alarms.Latched(z) {
		if err := e.alarms.Reassert(ctx, z); err != nil {
			e.log.Warn().Err(err).Str("zone", z.Key()).Msg("failsafe reassert failed")
		}
		return e.observeZone(ctx, zs, "failsafe")
	}
	opMode, err := e.cache.Mode(ctx, z)
	if err != nil {
		e.log.Warn().Err(err).Str("zone", z.Key()).Msg("mode read failed")
		opMode = types.OpAuto
	}
	if opMode == types.OpManual || opMode == types.OpFailsafe {
		return e.observeZone(ctx, zs, string(opMode))
	}

	e.checkSensorHealth(ctx, zs)

	match, matched := evalRules(snap.Rules, snap.Schedules, zs.sensors, now)

	recs := make([]store.AutomationRecord, 0, len(zcfg.Devices))
	for i := range zcfg.Devices {
		recs = append(recs, e.deviceTick(ctx, zs, &zcfg.Devices[i], match, matched))
	}
	return recs
}

// rampSetpoints advances the five setpoint types, clamps the effective
// values by the safety limits, and appends the tick's observability
// tuple to setpoint_history.
func (e *Engine) rampSetpoints(ctx context.Context, zs *zoneState, modeChanged bool) {
	values := make(map[types.SetpointType]store.SetpointSample, len(types.SetpointTypes))
	for _, t := range types.SetpointTypes {
		nominal, rampMin, ok := resolveNominal(zs.snap.Setpoints, zs.mode, t, zs.cfg.Control.DefaultSetpoints)
		if !ok {
			continue
		}
		duration := time.Duration(rampMin) * time.Minute
		if t != types.SetpointHeating && t != types.SetpointCooling {
			duration = 0 // only temperature targets ramp
		}
		role := roleForSetpoint(t)
		fallback := func() (float64, bool) {
			name, ok := sensorForRole(zs.zcfg, zs.snap.Mappings, role)
			if !ok {
				return 0, false
			}
			v, ok := zs.sensors[name]
			return v, ok
		}
		res := e.ramps.tick(zs.zone, t, modeChanged, nominal, duration, zs.now, fallback)
		eff := clampEffective(t, res.Effective, zs.cfg.Control.Safety)
		zs.eff[t] = eff
		effV, nomV := eff, res.Nominal
		values[t] = store.SetpointSample{Effective: &effV, Nominal: &nomV, Progress: res.Progress}
	}
	if len(values) == 0 {
		return
	}
	tick := store.SetpointTick{Time: zs.now, Zone: zs.zone, Values: values}
	if err := e.db.AppendSetpointHistory(ctx, tick); err != nil {
		e.log.Warn().Err(err).Str("zone", zs.zone.Key()).Msg("setpoint history append failed")
	}
}

// deviceTick runs the per-device passes in order: manual hold, rules,
// schedules, PID, VPD hysteresis. Exactly one pass acts; the decision
// is recorded regardless so dashboards see every device every tick.
func (e *Engine) deviceTick(ctx context.Context, zs *zoneState, d *config.Device,
	match ruleMatch, matched bool) store.AutomationRecord {

	z := zs.zone
	var (
		reason string
		duty   *float64
	)

	rec, _ := e.relays.state(z, d.Name)
	switch {
	case rec.Mode == types.ControlManual:
		reason = "manual"
		if matched && match.Device == d.Name {
			e.log.Debug().Str("zone", z.Key()).Str("device", d.Name).
				Int64("rule_id", match.RuleID).Msg("rule match ignored, device under manual control")
		}

	case matched && match.Device == d.Name:
		reason = "rule"
		e.drive(ctx, zs, d, match.State, types.ControlAuto, reason,
			ruleSensor(zs.snap.Rules, match.RuleID), nil)

	default:
		if sch, ok := activeScheduleFor(zs.snap.Schedules, d.Name, zs.now); ok {
			reason = "schedule"
			state := scheduledState(sch)
			if d.Dimmable() && sch.TargetIntensity != nil {
				duty = e.driveDimmable(ctx, zs, d, sch, state)
			} else {
				e.drive(ctx, zs, d, state, types.ControlScheduled, reason, "", nil)
			}
			break
		}
		if d.PIDEnabled() {
			if dy, acted := e.pidPass(ctx, zs, d); acted {
				reason = "pid"
				duty = &dy
			}
			break
		}
		if d.Type == types.DeviceFan || d.Type == types.DeviceDehumidifier {
			if acted := e.vpdPass(ctx, zs, d); acted {
				reason = "vpd_control"
			}
		}
	}

	return e.record(ctx, zs, d.Name, reason, duty)
}

// pidPass evaluates the device's setpoint intents and maps the winning
// duty onto the slow PWM. Returns acted=false when no intent was
// evaluable at all (every sensor missing beyond its hold), in which
// case the relay is left alone.
func (e *Engine) pidPass(ctx context.Context, zs *zoneState, d *config.Device) (float64, bool) {
	gains := e.pidGains(ctx, d)
	dt := zs.cfg.Control.UpdateInterval.Std().Seconds()
	hold := zs.cfg.Control.LastGoodHold.Std().Milliseconds()

	read := func(t types.SetpointType) (float64, float64, bool) {
		target, ok := zs.eff[t]
		if !ok {
			return 0, 0, false
		}
		name, ok := sensorForRole(zs.zcfg, zs.snap.Mappings, roleForSetpoint(t))
		if !ok {
			return 0, 0, false
		}
		if v, ok := zs.sensors[name]; ok {
			return target, v, true
		}
		lg, ok, err := e.cache.LastGood(ctx, zs.zone, name)
		if err != nil || !ok || zs.now.UnixMilli()-lg.TS > hold {
			return 0, 0, false
		}
		return target, lg.Value, true
	}

	sp, duty, ok := e.pids.selectDuty(zs.zone, d.Name, d.Type, d.PID.Setpoints, gains, dt, read)
	if !ok {
		return 0, false
	}
	e.setDuty(zs.zone, d.Name, duty)

	state := 0
	if e.pids.pwm(zs.zone, d.Name, duty, d.PID.PWMPeriod.Std(), zs.now) {
		state = 1
	}
	trigger := ""
	if sp != "" {
		trigger, _ = sensorForRole(zs.zcfg, zs.snap.Mappings, roleForSetpoint(sp))
	}
	e.log.Debug().Str("zone", zs.zone.Key()).Str("device", d.Name).
		Str("setpoint", string(sp)).Float64("duty", duty).
		Float64("kp", gains.Kp).Float64("ki", gains.Ki).Float64("kd", gains.Kd).
		Msg("pid output")
	e.drive(ctx, zs, d, state, types.ControlAuto, "pid", trigger, &duty)
	return duty, true
}

// pidGains resolves gains freshest-first: live cache, persisted row,
// config file. Swapping gains mid-flight keeps the integrator.
func (e *Engine) pidGains(ctx context.Context, d *config.Device) types.PIDParams {
	if p, ok, err := e.cache.PIDParams(ctx, d.Type); err == nil && ok {
		return p
	}
	if p, ok, err := e.db.PIDParameters(ctx, d.Type); err == nil && ok {
		return p
	}
	return d.PID.PIDParams
}

// vpdPass is the hysteresis fallback for fans and dehumidifiers not
// covered by any other pass: low VPD means the air is too wet for the
// target deficit, so the device turns on to pull moisture.
func (e *Engine) vpdPass(ctx context.Context, zs *zoneState, d *config.Device) bool {
	target, ok := zs.eff[types.SetpointVPD]
	if !ok {
		return false
	}
	name, ok := sensorForRole(zs.zcfg, zs.snap.Mappings, "vpd")
	if !ok {
		return false
	}
	v, ok := zs.sensors[name]
	if !ok {
		return false
	}

	rec, _ := e.relays.state(zs.zone, d.Name)
	state := rec.State
	switch {
	case v < target-vpdBand:
		state = 1
	case v >= target+vpdBand:
		state = 0
	}
	e.drive(ctx, zs, d, state, types.ControlAuto, "vpd_control", name, nil)
	return true
}

// drive switches one relay through the interlock-checked path and, on a
// committed transition, appends control_history and publishes the
// device envelope.
func (e *Engine) drive(ctx context.Context, zs *zoneState, d *config.Device, state int,
	mode types.ControlMode, reason, trigger string, requested *float64) {

	z := zs.zone
	prev, _ := e.relays.state(z, d.Name)
	changed, err := e.relays.set(zs.cfg, z, d.Name, state, mode, true, requested)
	if err != nil {
		if errcode.Is(err, errcode.Interlock) {
			e.log.Info().Str("zone", z.Key()).Str("device", d.Name).Msg(err.Error())
		} else {
			e.log.Error().Err(err).Str("zone", z.Key()).Str("device", d.Name).Msg("relay drive failed")
		}
		return
	}
	if !changed {
		return
	}
	tr := store.ControlTransition{
		Time: zs.now, Zone: z, Device: d.Name,
		OldState: prev.State, NewState: state,
		Reason: reason, TriggerSensor: trigger,
	}
	if err := e.db.AppendControlHistory(ctx, tr); err != nil {
		e.log.Warn().Err(err).Str("device", d.Name).Msg("control history append failed")
	}
	e.publishDevice(z, d.Name, state, string(mode), reason, requested)
}

// driveDimmable handles a light schedule with a target intensity: the
// ramped intensity goes to the DAC (never the EEPROM) and the light key,
// and the relay follows intensity > 0. Returns the applied intensity.
func (e *Engine) driveDimmable(ctx context.Context, zs *zoneState, d *config.Device,
	sch types.Schedule, state int) *float64 {

	z := zs.zone
	board, ch := d.Dimming.BoardID, d.Dimming.Channel

	if state == 0 {
		if err := e.dac.SetIntensity(board, ch, 0, false); err != nil {
			e.log.Error().Err(err).Str("device", d.Name).Msg("dac write failed")
			return nil
		}
		if err := e.cache.SetLight(ctx, z, d.Name, 0); err != nil {
			e.log.Warn().Err(err).Str("device", d.Name).Msg("light key write failed")
		}
		e.drive(ctx, zs, d, 0, types.ControlScheduled, "schedule", "", nil)
		zero := 0.0
		return &zero
	}

	cur, ok := e.dac.Intensity(board, ch)
	if !ok {
		if v, hit, err := e.cache.Light(ctx, z, d.Name); err == nil && hit {
			cur = v
		}
	}
	target := scheduleIntensity(sch, cur, zs.now)

	if err := e.relays.checkLoad(zs.cfg, z, d.Name, &target); err != nil {
		e.log.Info().Str("zone", z.Key()).Str("device", d.Name).Msg(err.Error())
		return nil
	}
	if err := e.dac.SetIntensity(board, ch, target, false); err != nil {
		e.log.Error().Err(err).Str("device", d.Name).Msg("dac write failed")
		return nil
	}
	if err := e.cache.SetLight(ctx, z, d.Name, target); err != nil {
		e.log.Warn().Err(err).Str("device", d.Name).Msg("light key write failed")
	}
	relayState := 0
	if target > 0 {
		relayState = 1
	}
	e.drive(ctx, zs, d, relayState, types.ControlScheduled, "schedule", "", &target)
	return &target
}

// observeZone records every device's committed state without driving
// anything, the path taken for manual and failsafe zones.
func (e *Engine) observeZone(ctx context.Context, zs *zoneState, reason string) []store.AutomationRecord {
	recs := make([]store.AutomationRecord, 0, len(zs.zcfg.Devices))
	for i := range zs.zcfg.Devices {
		recs = append(recs, e.record(ctx, zs, zs.zcfg.Devices[i].Name, reason, nil))
	}
	return recs
}

// record writes the per-tick observation for one device to the live
// cache and event log and returns the automation_state row.
func (e *Engine) record(ctx context.Context, zs *zoneState, device, reason string,
	duty *float64) store.AutomationRecord {

	after, _ := e.relays.state(zs.zone, device)
	mode := string(after.Mode)
	if mode == "" {
		mode = string(types.ControlAuto)
	}
	st := types.AutomationStatus{
		State: after.State, Mode: mode, Reason: reason, Duty: duty,
		TS: zs.now.UnixMilli(),
	}
	if err := e.cache.SetAutomation(ctx, zs.zone, device, st); err != nil {
		e.log.Warn().Err(err).Str("device", device).Msg("automation status write failed")
	}
	if err := e.cache.AppendAutomation(ctx, zs.now, zs.zone.Key(), device, after.State, reason); err != nil {
		e.log.Warn().Err(err).Str("device", device).Msg("automation event append failed")
	} else {
		e.met.EventAppends.Inc()
	}
	return store.AutomationRecord{
		Time: zs.now, Zone: zs.zone, Device: device,
		State: after.State, Mode: mode, Reason: reason, Duty: duty,
	}
}

// checkSensorHealth raises <sensor>_offline for sensors an evaluated
// setpoint needs but cannot read, and clears it on recovery. While the
// last-good hold still covers a gap neither side fires.
func (e *Engine) checkSensorHealth(ctx context.Context, zs *zoneState) {
	hold := zs.cfg.Control.LastGoodHold.Std().Milliseconds()
	seen := make(map[string]bool)
	for t := range zs.eff {
		name, ok := sensorForRole(zs.zcfg, zs.snap.Mappings, roleForSetpoint(t))
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := zs.sensors[name]; ok {
			e.clearAlarm(ctx, zs.zone, name+"_offline")
			continue
		}
		if lg, ok, err := e.cache.LastGood(ctx, zs.zone, name); err == nil && ok &&
			zs.now.UnixMilli()-lg.TS <= hold {
			continue
		}
		e.raiseAlarm(ctx, zs.zone, name+"_offline", types.SeverityWarning,
			"no fresh reading from "+name)
	}
}

// watchProducers mirrors producer heartbeats into the producer_up gauge
// and the system zone's alarm set.
func (e *Engine) watchProducers(ctx context.Context, cfg *config.Config) {
	var producers []string
	if !cfg.Hardware.Simulation {
		producers = append(producers, "can")
	}
	if len(cfg.Soil) > 0 {
		producers = append(producers, "soil")
	}
	if cfg.Weather.Enabled() {
		producers = append(producers, "weather")
	}
	for _, p := range producers {
		alive, err := e.cache.HeartbeatAlive(ctx, p)
		if err != nil {
			e.log.Warn().Err(err).Str("producer", p).Msg("heartbeat probe failed")
			continue
		}
		if alive {
			e.met.ProducerUp.WithLabelValues(p).Set(1)
			e.clearAlarm(ctx, systemZone, p+"_offline")
		} else {
			e.met.ProducerUp.WithLabelValues(p).Set(0)
			e.raiseAlarm(ctx, systemZone, p+"_offline", types.SeverityWarning,
				"producer heartbeat missing: "+p)
		}
	}
}

// RaiseAlarm is the operator/supervisor entry point. Critical severity
// latches the zone's failsafe and drives it safe immediately.
func (e *Engine) RaiseAlarm(ctx context.Context, z types.Zone, name string,
	sev types.Severity, msg string) error {

	wasLatched := e.alarms.Latched(z)
	a, changed, err := e.alarms.Raise(ctx, z, name, sev, msg)
	if err != nil {
		return err
	}
	if changed {
		e.publishAlarm(z, name, a)
	}
	if !wasLatched && e.alarms.Latched(z) {
		e.safeZone(ctx, e.config(), z)
		e.publishMode(z, string(types.OpFailsafe))
	}
	return nil
}

// ClearAlarm deactivates one alarm.
func (e *Engine) ClearAlarm(ctx context.Context, z types.Zone, name string) error {
	a, changed, err := e.alarms.Clear(ctx, z, name)
	if err != nil {
		return err
	}
	if changed {
		e.publishAlarm(z, name, a)
	}
	return nil
}

// AcknowledgeAlarm marks an alarm seen.
func (e *Engine) AcknowledgeAlarm(ctx context.Context, z types.Zone, name string) error {
	return e.alarms.Acknowledge(ctx, z, name)
}

// ClearFailsafe releases a zone's latch; refused while a critical alarm
// is still active.
func (e *Engine) ClearFailsafe(ctx context.Context, z types.Zone) error {
	if err := e.alarms.ClearFailsafe(ctx, z); err != nil {
		return err
	}
	e.publishMode(z, string(types.OpAuto))
	return nil
}

func (e *Engine) raiseAlarm(ctx context.Context, z types.Zone, name string,
	sev types.Severity, msg string) {
	if err := e.RaiseAlarm(ctx, z, name, sev, msg); err != nil {
		e.log.Error().Err(err).Str("zone", z.Key()).Str("alarm", name).Msg("alarm raise failed")
	}
}

func (e *Engine) clearAlarm(ctx context.Context, z types.Zone, name string) {
	if err := e.ClearAlarm(ctx, z, name); err != nil {
		e.log.Error().Err(err).Str("zone", z.Key()).Str("alarm", name).Msg("alarm clear failed")
	}
}

// ---- bus envelopes ----

func (e *Engine) publishDevice(z types.Zone, device string, state int, mode, reason string, duty *float64) {
	if e.conn == nil {
		return
	}
	e.conn.Publish(e.conn.NewMessage(bus.TopicDevice(z.Key(), device), types.DeviceUpdate{
		Type: "device_update", Zone: z.Key(), Device: device,
		State: state, Mode: mode, Reason: reason, Duty: duty, TS: timex.NowMs(),
	}, true))
}

func (e *Engine) publishMode(z types.Zone, mode string) {
	if e.conn == nil {
		return
	}
	e.conn.Publish(e.conn.NewMessage(bus.TopicMode(z.Key()), types.ModeUpdate{
		Type: "mode_update", Zone: z.Key(), Mode: mode, TS: timex.NowMs(),
	}, true))
}

func (e *Engine) publishAlarm(z types.Zone, name string, a types.Alarm) {
	if e.conn == nil {
		return
	}
	e.conn.Publish(e.conn.NewMessage(bus.TopicAlarm(z.Key(), name), types.AlarmUpdate{
		Type: "alarm_update", Zone: z.Key(), Name: name,
		Severity: string(a.Severity), Message: a.Message, Active: a.Active, TS: timex.NowMs(),
	}, true))
}

// ---- helpers ----

// zoneSensorNames collects every sensor this zone's automation reads:
// the four role sensors plus rule condition sensors.
func zoneSensorNames(zcfg *config.Zone, snap zoneSnapshot) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, role := range []string{"temperature", "humidity", "co2", "vpd"} {
		if n, ok := sensorForRole(zcfg, snap.Mappings, role); ok {
			add(n)
		}
	}
	for _, r := range snap.Rules {
		add(r.Sensor)
	}
	return names
}

func ruleSensor(rules []types.Rule, id int64) string {
	for i := range rules {
		if rules[i].ID == id {
			return rules[i].Sensor
		}
	}
	return ""
}
