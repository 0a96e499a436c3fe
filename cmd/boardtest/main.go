// Command boardtest exercises the relay expander and DAC boards on a
// freshly wired control host. It walks every relay channel up and back
// down, sweeps each dimming channel across its range, and verifies the
// devices acknowledge on the I2C bus. Run it with loads disconnected.
//
// Usage: boardtest [config-path]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"

	"growhouse-go/config"
	"growhouse-go/drivers/gp8413"
	"growhouse-go/drivers/i2cbus"
	"growhouse-go/drivers/pca9555"
)

const (
	defaultConfig = "/etc/growhouse/config.yaml"

	relayChannels = 16

	// Sequencing timing
	stepDelayUp   = 300 * time.Millisecond
	stepDelayDown = 300 * time.Millisecond
	dwellUp       = 2 * time.Second
	dwellDown     = 2 * time.Second

	// Cycles: 0 = loop until interrupted
	cyclesToRun = 1
)

// dacSweep is the voltage staircase driven on every DAC channel.
var dacSweep = []float64{0, 2.5, 5, 7.5, 10, 0}

func main() {
	path := defaultConfig
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("load config")
	}
	os.Exit(run(cfg, log))
}

func run(cfg *config.Config, log zerolog.Logger) int {
	var ibus i2c.Bus
	if cfg.Hardware.Simulation {
		log.Warn().Msg("simulation mode, exercising an in-memory bus")
		ibus = i2cbus.NewSim()
	} else {
		bc, err := i2cbus.Open(cfg.Hardware.I2CBus)
		if err != nil {
			log.Error().Err(err).Str("bus", cfg.Hardware.I2CBus).Msg("open i2c bus")
			return 1
		}
		defer bc.Close()
		ibus = i2cbus.NewLocked(bc)
	}

	addr := cfg.Hardware.GPIOAddress
	if addr == 0 {
		addr = pca9555.DefaultAddress
	}
	gpio, err := pca9555.New(ibus, addr)
	if err != nil {
		log.Error().Err(err).Msg("relay expander not responding")
		return 1
	}

	type dacBoard struct {
		id  int
		dev *gp8413.Dev
	}
	boards := make([]dacBoard, 0, len(cfg.Hardware.DACBoards))
	for _, bd := range cfg.Hardware.DACBoards {
		dev, err := gp8413.New(ibus, &gp8413.Opts{Addr: bd.Address})
		if err != nil {
			log.Error().Err(err).Int("board", bd.BoardID).Msg("dac board not responding")
			return 1
		}
		boards = append(boards, dacBoard{id: bd.BoardID, dev: dev})
	}
	log.Info().Str("expander", gpio.String()).Int("dac_boards", len(boards)).Msg("boardtest starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Whatever happens, leave the board de-energised.
	defer func() {
		if err := gpio.AllOff(); err != nil {
			log.Error().Err(err).Msg("final relay all-off failed")
		}
		for _, bd := range boards {
			if err := bd.dev.Halt(); err != nil {
				log.Error().Err(err).Int("board", bd.id).Msg("final dac halt failed")
			}
		}
	}()

	failed := 0
	for cycle := 1; ctx.Err() == nil; cycle++ {
		log.Info().Int("cycle", cycle).Msg("cycle start")

		faults := walkRelays(ctx, gpio, log)
		for _, bd := range boards {
			faults += sweepDAC(ctx, bd.id, bd.dev, log)
		}

		if faults == 0 {
			log.Info().Int("cycle", cycle).Msg("PASS: relays walked, dac channels swept")
		} else {
			failed += faults
			log.Error().Int("cycle", cycle).Int("faults", faults).Msg("FAIL")
		}
		if cyclesToRun > 0 && cycle >= cyclesToRun {
			break
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// walkRelays energises every channel front to back, dwells, then drops
// them back to front. Each commanded state is read back from the
// expander's output register.
func walkRelays(ctx context.Context, gpio *pca9555.Dev, log zerolog.Logger) int {
	faults := 0
	set := func(ch int, on bool) {
		if err := gpio.SetChannel(ch, on); err != nil {
			log.Error().Err(err).Int("channel", ch).Msg("relay write failed")
			faults++
			return
		}
		got, err := gpio.GetChannel(ch)
		if err != nil {
			log.Error().Err(err).Int("channel", ch).Msg("relay readback failed")
			faults++
			return
		}
		if got != on {
			log.Error().Int("channel", ch).Bool("want", on).Bool("got", got).Msg("relay readback mismatch")
			faults++
			return
		}
		log.Info().Int("channel", ch).Bool("on", on).Msg("relay")
	}

	for ch := 0; ch < relayChannels && ctx.Err() == nil; ch++ {
		set(ch, true)
		sleepCtx(ctx, stepDelayUp)
	}
	sleepCtx(ctx, dwellUp)
	for ch := relayChannels - 1; ch >= 0 && ctx.Err() == nil; ch-- {
		set(ch, false)
		sleepCtx(ctx, stepDelayDown)
	}
	sleepCtx(ctx, dwellDown)
	return faults
}

// sweepDAC drives the staircase on both channels of one board. Writes
// are not persisted so the sweep leaves the power-on levels alone.
func sweepDAC(ctx context.Context, id int, dev *gp8413.Dev, log zerolog.Logger) int {
	faults := 0
	for ch := 0; ch < 2; ch++ {
		for _, v := range dacSweep {
			if ctx.Err() != nil {
				return faults
			}
			if err := dev.SetVoltage(ch, v, false); err != nil {
				log.Error().Err(err).Int("board", id).Int("channel", ch).Float64("volts", v).Msg("dac write failed")
				faults++
				continue
			}
			log.Info().Int("board", id).Int("channel", ch).Float64("volts", v).Msg("dac")
		}
	}
	return faults
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
