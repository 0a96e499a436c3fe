package control

import (
	"context"
	"fmt"

	"growhouse-go/config"
	"growhouse-go/types"
)

// bootstrap brings the engine to a known world before the first tick:
// config rows seeded, failsafe latches rebuilt from persisted criticals,
// relays and light intensities re-applied, DAC power-on levels checked.
func (e *Engine) bootstrap(ctx context.Context) error {
	cfg := e.config()
	if err := seedFromConfig(ctx, e.db, cfg, e.log); err != nil {
		return fmt.Errorf("control: seed: %w", err)
	}
	if err := e.alarms.Restore(ctx, cfg.ZoneIDs()); err != nil {
		return fmt.Errorf("control: failsafe restore: %w", err)
	}
	rows, err := e.db.DeviceStates(ctx)
	if err != nil {
		return fmt.Errorf("control: device states: %w", err)
	}
	e.relays.restore(cfg, rows)
	e.ensureDACSafety(ctx, cfg)
	e.restoreLights(ctx, cfg)
	// A latched zone comes back safe regardless of what was persisted.
	for _, z := range cfg.ZoneIDs() {
		if e.alarms.Latched(z) {
			e.safeZone(ctx, cfg, z)
		}
	}
	e.log.Info().Int("zones", len(cfg.Zones)).Msg("control state restored")
	return nil
}

// ensureDACSafety programs each dimming channel's power-on level into
// the DAC EEPROM once; a cache marker per board records the last level
// written so restarts don't re-burn the EEPROM.
func (e *Engine) ensureDACSafety(ctx context.Context, cfg *config.Config) {
	for zi := range cfg.Zones {
		for di := range cfg.Zones[zi].Devices {
			d := &cfg.Zones[zi].Devices[di]
			if !d.Dimmable() || d.Dimming.SafetyLevel <= 0 {
				continue
			}
			board := d.Dimming.BoardID
			level, ok, err := e.cache.DACSafety(ctx, board)
			if err == nil && ok && level == d.Dimming.SafetyLevel {
				continue
			}
			if err := e.dac.SetIntensity(board, d.Dimming.Channel, d.Dimming.SafetyLevel, true); err != nil {
				e.log.Error().Err(err).Int("board", board).Msg("dac safety level write failed")
				continue
			}
			if err := e.cache.SetDACSafety(ctx, board, d.Dimming.SafetyLevel); err != nil {
				e.log.Warn().Err(err).Int("board", board).Msg("dac safety marker write failed")
			}
			e.log.Info().Int("board", board).Float64("level", d.Dimming.SafetyLevel).
				Msg("dac power-on level stored")
		}
	}
}

// restoreLights re-applies dimmable intensities after a restart: the
// cache's light key wins, else the latest persisted duty. Volatile
// register only; the EEPROM keeps the safety level.
func (e *Engine) restoreLights(ctx context.Context, cfg *config.Config) {
	for zi := range cfg.Zones {
		z := cfg.Zones[zi].ID()
		for di := range cfg.Zones[zi].Devices {
			d := &cfg.Zones[zi].Devices[di]
			if !d.Dimmable() {
				continue
			}
			v, ok, err := e.cache.Light(ctx, z, d.Name)
			if err != nil || !ok {
				v, ok, err = e.db.LatestLightDuty(ctx, z, d.Name)
				if err != nil || !ok {
					continue
				}
			}
			if err := e.dac.SetIntensity(d.Dimming.BoardID, d.Dimming.Channel, v, false); err != nil {
				e.log.Error().Err(err).Str("device", d.Name).Msg("dac restore failed")
				continue
			}
			if err := e.cache.SetLight(ctx, z, d.Name, v); err != nil {
				e.log.Warn().Err(err).Str("device", d.Name).Msg("light key write failed")
			}
			e.log.Info().Str("zone", z.Key()).Str("device", d.Name).
				Float64("intensity", v).Msg("light intensity restored")
		}
	}
}

// safeZone drives every device of one zone to its configured safe state,
// bypassing interlocks, and zeroes its dimming channels. Used when a
// failsafe latches and at startup for zones that come back latched.
func (e *Engine) safeZone(ctx context.Context, cfg *config.Config, z types.Zone) {
	zcfg, ok := cfg.FindZone(z)
	if !ok {
		return
	}
	for i := range zcfg.Devices {
		d := &zcfg.Devices[i]
		changed, err := e.relays.set(cfg, z, d.Name, d.SafeState, types.ControlAuto, false, nil)
		if err != nil {
			e.log.Error().Err(err).Str("zone", z.Key()).Str("device", d.Name).
				Msg("safe state drive failed")
			continue
		}
		if d.Dimmable() {
			if err := e.dac.SetIntensity(d.Dimming.BoardID, d.Dimming.Channel, 0, false); err != nil {
				e.log.Error().Err(err).Str("device", d.Name).Msg("dac write failed")
			}
			if err := e.cache.SetLight(ctx, z, d.Name, 0); err != nil {
				e.log.Warn().Err(err).Str("device", d.Name).Msg("light key write failed")
			}
		}
		if changed {
			e.publishDevice(z, d.Name, d.SafeState, string(types.ControlAuto), "failsafe", nil)
		}
	}
	e.log.Warn().Str("zone", z.Key()).Msg("zone driven to safe states")
}

// Shutdown drives every device to its safe state, halts the DACs and
// flushes the final relay map. Called after Run returns, with a fresh
// short-lived context.
func (e *Engine) Shutdown(ctx context.Context) {
	cfg := e.config()
	e.relays.safeAll(cfg)
	if err := e.dac.HaltAll(); err != nil {
		e.log.Error().Err(err).Msg("dac halt failed")
	}
	if err := e.db.UpsertDeviceStates(ctx, e.relays.snapshot()); err != nil {
		e.log.Warn().Err(err).Msg("final device state flush failed")
	}
	e.log.Info().Msg("control shut down, devices safe")
}
