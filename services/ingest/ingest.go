// Package ingest runs the sensing side of the house: the CAN frame
// reader, the Modbus soil pollers, and the METAR weather poller. Each
// producer fans readings out to the live cache, the event stream, the
// in-process bus, and the time-series store, and each is supervised so
// a wedged driver costs a restart, not the process.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"growhouse-go/bus"
	"growhouse-go/cache"
	"growhouse-go/config"
	"growhouse-go/drivers/canbus"
	"growhouse-go/metar"
	"growhouse-go/metrics"
	"growhouse-go/services/heartbeat"
	"growhouse-go/store"
	"growhouse-go/types"
)

// Persister is the slice of the store the producers write through.
// *store.Store satisfies it.
type Persister interface {
	EnsureRoom(ctx context.Context, name string) (int64, error)
	EnsureRack(ctx context.Context, roomID int64, name string) (int64, error)
	EnsureDevice(ctx context.Context, name, deviceType string, rackID *int64) (int64, error)
	EnsureSensor(ctx context.Context, deviceID int64, name, unit string) (int64, error)
	WriteMeasurements(ctx context.Context, rows []store.Measurement) error
	Reconnect(ctx context.Context) error
}

// FrameSource yields raw CAN frames. *canbus.Reader satisfies it.
type FrameSource interface {
	ReadFrame(timeout time.Duration) (canbus.Frame, bool, error)
	Close() error
}

// RegisterReader reads Modbus holding registers. *modbusrtu.Client
// satisfies it.
type RegisterReader interface {
	ReadHoldingRegisters(slaveID byte, start, count uint16) ([]uint16, error)
	Close() error
}

// WeatherSource fetches one station observation. *metar.Client
// satisfies it.
type WeatherSource interface {
	Fetch(ctx context.Context) (metar.Observation, error)
}

// Options wires a Service.
type Options struct {
	Config  *config.Config
	Cache   *cache.Cache
	Store   Persister
	Bus     *bus.Connection
	Metrics *metrics.Set
	Log     zerolog.Logger

	// Optional sources. Nil fields make Run open the real drivers.
	Frames  FrameSource
	Modbus  func(port string) RegisterReader
	Weather WeatherSource
}

// Service owns the producer goroutines.
type Service struct {
	cache *cache.Cache
	db    Persister
	met   *metrics.Set
	conn  *bus.Connection
	log   zerolog.Logger
	cfg   atomic.Pointer[config.Config]

	frames    FrameSource
	newModbus func(port string) RegisterReader
	weather   WeatherSource
}

// New builds a Service. No I/O happens until Run.
func New(o Options) *Service {
	s := &Service{
		cache:     o.Cache,
		db:        o.Store,
		met:       o.Metrics,
		conn:      o.Bus,
		log:       o.Log.With().Str("service", "ingest").Logger(),
		frames:    o.Frames,
		newModbus: o.Modbus,
		weather:   o.Weather,
	}
	s.cfg.Store(o.Config)
	return s
}

// SetConfig swaps the active configuration. Producers pick the new
// values up on their next iteration; topology changes (added probes,
// a different CAN interface) need a service restart.
func (s *Service) SetConfig(c *config.Config) { s.cfg.Store(c) }

func (s *Service) config() *config.Config { return s.cfg.Load() }

// Run starts every configured producer and blocks until ctx ends.
// Producers restart themselves on failure, so their heartbeats lapse
// only when the whole service is down.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.config()
	g, ctx := errgroup.WithContext(ctx)

	if !cfg.Hardware.Simulation {
		g.Go(func() error { return runRestarting(ctx, "can", s.log, s.runCAN) })
		g.Go(func() error {
			return heartbeat.New(s.cache, "can", cache.TTLHeartbeatProducer, s.log).Run(ctx)
		})
	}
	if len(cfg.Soil) > 0 {
		for i := range cfg.Soil {
			probe := cfg.Soil[i]
			g.Go(func() error {
				return runRestarting(ctx, "soil_"+probe.Bed, s.log, func(ctx context.Context) error {
					return s.runSoil(ctx, probe)
				})
			})
		}
		g.Go(func() error {
			return heartbeat.New(s.cache, "soil", cache.TTLHeartbeatProducer, s.log).Run(ctx)
		})
	}
	if cfg.Weather.Enabled() {
		g.Go(func() error { return runRestarting(ctx, "weather", s.log, s.runWeather) })
		g.Go(func() error {
			return heartbeat.New(s.cache, "weather", cache.TTLHeartbeatProducer, s.log).Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	s.log.Info().
		Bool("can", !cfg.Hardware.Simulation).
		Int("soil_probes", len(cfg.Soil)).
		Bool("weather", cfg.Weather.Enabled()).
		Msg("ingest running")
	return g.Wait()
}

// runRestarting keeps one producer loop alive. Errors and panics cost
// a restart with backoff; the backoff doubles from 1s to 60s and
// resets once a run survives a minute.
func runRestarting(ctx context.Context, name string, log zerolog.Logger, run func(context.Context) error) error {
	backoff := time.Second
	for {
		started := time.Now()
		err := runSafe(ctx, run)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		log.Error().Err(err).Str("producer", name).Dur("backoff", backoff).Msg("producer stopped, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 60*time.Second)
	}
}

func runSafe(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return run(ctx)
}

// publishReadings writes one batch to the live cache and announces
// each value on the bus. A cache failure skips the reading and leaves
// the previous retained value standing. lastGood additionally records
// the zone-scoped fallback the control loop falls back on.
func (s *Service) publishReadings(ctx context.Context, z types.Zone, readings []types.Reading, lastGood bool) {
	hold := s.config().Control.LastGoodHold.Std()
	for _, r := range readings {
		if err := s.cache.SetSensor(ctx, r.Name, r.Value, r.TS); err != nil {
			s.log.Warn().Err(err).Str("sensor", r.Name).Msg("live cache write failed")
			continue
		}
		if lastGood {
			if err := s.cache.SetLastGood(ctx, z, r.Name, r.Value, r.TS, hold); err != nil {
				s.log.Warn().Err(err).Str("sensor", r.Name).Msg("last-good write failed")
			}
		}
		s.publishSensor(z, r)
	}
}

func (s *Service) publishSensor(z types.Zone, r types.Reading) {
	if s.conn == nil {
		return
	}
	s.conn.Publish(s.conn.NewMessage(bus.TopicSensor(z.Key()), types.SensorUpdate{
		Type:  "sensor_update",
		Zone:  z.Key(),
		Name:  r.Name,
		Value: r.Value,
		TS:    r.TS.UnixMilli(),
	}, true))
}

// persistReadings upserts the room/rack/device/sensor hierarchy and
// writes one measurement row per reading. A store failure costs this
// batch only: it logs, kicks a reconnect, and the next poll retries.
func (s *Service) persistReadings(ctx context.Context, room, rack, device, deviceType string, readings []types.Reading) {
	if len(readings) == 0 {
		return
	}
	rows, err := s.measurementRows(ctx, room, rack, device, deviceType, readings)
	if err == nil {
		err = s.db.WriteMeasurements(ctx, rows)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("device", device).Msg("measurement write failed")
		s.met.DBReconnects.Inc()
		if rerr := s.db.Reconnect(ctx); rerr != nil {
			s.log.Error().Err(rerr).Msg("store reconnect failed")
		}
		return
	}
	s.met.RowsWritten.Add(float64(len(rows)))
}

func (s *Service) measurementRows(ctx context.Context, room, rack, device, deviceType string, readings []types.Reading) ([]store.Measurement, error) {
	roomID, err := s.db.EnsureRoom(ctx, room)
	if err != nil {
		return nil, err
	}
	var rackID *int64
	if rack != "" {
		id, err := s.db.EnsureRack(ctx, roomID, rack)
		if err != nil {
			return nil, err
		}
		rackID = &id
	}
	deviceID, err := s.db.EnsureDevice(ctx, device, deviceType, rackID)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Measurement, 0, len(readings))
	for _, r := range readings {
		sensorID, err := s.db.EnsureSensor(ctx, deviceID, r.Name, unitFor(r.Name))
		if err != nil {
			return nil, err
		}
		rows = append(rows, store.Measurement{Time: r.TS, SensorID: sensorID, Value: r.Value, Status: "ok"})
	}
	return rows, nil
}

// unitFor maps a sensor name to its storage unit. Unknown names store
// unitless.
func unitFor(name string) string {
	switch {
	case strings.Contains(name, "temp"), strings.Contains(name, "bulb"), strings.Contains(name, "dew_point"):
		return "degC"
	case strings.Contains(name, "rh"), strings.Contains(name, "moisture"):
		return "percent"
	case strings.Contains(name, "vpd"):
		return "kPa"
	case strings.Contains(name, "pressure"):
		return "hPa"
	case strings.Contains(name, "co2"):
		return "ppm"
	case strings.Contains(name, "_ec"):
		return "uS/cm"
	case strings.Contains(name, "_ph"):
		return "pH"
	case strings.Contains(name, "wind_speed"):
		return "m/s"
	case strings.Contains(name, "wind_dir"):
		return "deg"
	case strings.Contains(name, "precip"):
		return "mm"
	case strings.Contains(name, "distance"):
		return "mm"
	default:
		return ""
	}
}
