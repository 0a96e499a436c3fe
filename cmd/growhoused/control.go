package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c"

	"growhouse-go/bus"
	"growhouse-go/cache"
	"growhouse-go/config"
	"growhouse-go/drivers/gp8413"
	"growhouse-go/drivers/i2cbus"
	"growhouse-go/drivers/pca9555"
	"growhouse-go/metrics"
	"growhouse-go/services/control"
	"growhouse-go/services/heartbeat"
)

// shutdownBudget bounds the safe-state drive after the run loop stops.
const shutdownBudget = 5 * time.Second

func runControl(cmd *cobra.Command, _ []string) error {
	a, err := boot(flagConfig)
	if err != nil {
		return err
	}
	log := a.log.With().Str("role", "control").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cache.New(cacheOptions(a.cfg), log)
	defer c.Close()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}

	db, err := openStore(ctx, a.cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	gpio, dacs, closeHW, err := openHardware(a.cfg, log)
	if err != nil {
		return err
	}
	defer closeHW()

	b := bus.NewBus(64)
	conn := b.NewConnection("control")
	defer conn.Disconnect()

	eng := control.New(control.Options{
		Config:  a.cfg,
		Cache:   c,
		Store:   db,
		GPIO:    gpio,
		DAC:     dacs,
		Bus:     conn,
		Metrics: metrics.New(),
		Log:     log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		return heartbeat.New(c, "control", cache.TTLHeartbeatControl, log).Run(gctx)
	})
	g.Go(func() error {
		return a.mgr.Watch(gctx, func(cfg *config.Config) {
			eng.SetConfig(cfg)
			conn.Publish(conn.NewMessage(bus.TopicConfigReload(), map[string]string{"event": "config_reload"}, false))
		})
	})

	log.Info().Str("version", version).Msg("control service up")
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	eng.Shutdown(sctx)
	log.Info().Msg("control service stopped")
	return runErr
}

// openHardware opens the I²C bus shared by the relay expander and the
// DAC boards. Simulation mode swaps in the in-memory bus so the whole
// control path runs without hardware attached.
func openHardware(cfg *config.Config, log zerolog.Logger) (control.GPIO, control.DACBank, func(), error) {
	var (
		ibus    i2c.Bus
		cleanup = func() {}
	)
	if cfg.Hardware.Simulation {
		ibus = i2cbus.NewSim()
		log.Warn().Msg("simulation mode, hardware writes go to an in-memory bus")
	} else {
		bc, err := i2cbus.Open(cfg.Hardware.I2CBus)
		if err != nil {
			return nil, nil, nil, err
		}
		ibus = i2cbus.NewLocked(bc)
		cleanup = func() { bc.Close() }
	}

	addr := cfg.Hardware.GPIOAddress
	if addr == 0 {
		addr = pca9555.DefaultAddress
	}
	gpio, err := pca9555.New(ibus, addr)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("relay expander: %w", err)
	}

	dacs := gp8413.NewManager()
	for _, bd := range cfg.Hardware.DACBoards {
		dev, err := gp8413.New(ibus, &gp8413.Opts{Addr: bd.Address})
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("dac board %d: %w", bd.BoardID, err)
		}
		dacs.Register(bd.BoardID, dev)
	}
	return gpio, dacs, cleanup, nil
}
