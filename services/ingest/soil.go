package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"growhouse-go/config"
	"growhouse-go/drivers/modbusrtu"
	"growhouse-go/types"
)

// soilRegCount covers the probe's map: temperature, moisture, EC, and
// pH as four consecutive holding registers.
const soilRegCount = 4

// runSoil polls one probe until ctx ends. Read failures are logged and
// skipped; the Modbus client reopens its port on the next poll.
func (s *Service) runSoil(ctx context.Context, p config.SoilProbe) error {
	var client RegisterReader
	if s.newModbus != nil {
		client = s.newModbus(p.Port)
	} else {
		client = modbusrtu.New(p.Port, 0, 0)
	}
	defer client.Close()

	interval := p.PollInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := s.log.With().Str("bed", p.Bed).Str("port", p.Port).Logger()
	log.Info().Dur("interval", interval).Msg("soil producer running")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.pollSoilOnce(ctx, client, p, log)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) pollSoilOnce(ctx context.Context, client RegisterReader, p config.SoilProbe, log zerolog.Logger) {
	regs, err := client.ReadHoldingRegisters(p.SlaveID, p.BaseRegister, soilRegCount)
	if err != nil {
		log.Warn().Err(err).Msg("soil read failed")
		return
	}
	if len(regs) < soilRegCount {
		log.Warn().Int("got", len(regs)).Msg("short soil response")
		return
	}
	ts := time.Now()
	readings := soilReadings(p.Bed, regs, ts)
	zone := types.Zone{Location: p.Room, Cluster: p.Bed}

	// Soil values are context, not role sensors, so no last-good
	// fallback is recorded for them.
	s.publishReadings(ctx, zone, readings, false)

	values := make(map[string]float64, len(readings))
	for _, r := range readings {
		values[r.Name] = r.Value
	}
	if err := s.cache.AppendSoil(ctx, ts, p.Bed, values); err != nil {
		log.Warn().Err(err).Msg("event append failed")
	} else {
		s.met.EventAppends.Inc()
	}

	s.persistReadings(ctx, p.Room, p.Bed, "soil_"+p.Bed, "soil_probe", readings)
}

// soilReadings scales the four raw registers: a signed tenth-degree
// temperature, a tenth-percent moisture, EC at one uS/cm per count,
// and a hundredth-pH.
func soilReadings(bed string, regs []uint16, ts time.Time) []types.Reading {
	return []types.Reading{
		{Name: "soil_temp_" + bed, Value: float64(int16(regs[0])) / 10, TS: ts},
		{Name: "soil_moisture_" + bed, Value: float64(regs[1]) / 10, TS: ts},
		{Name: "soil_ec_" + bed, Value: float64(regs[2]), TS: ts},
		{Name: "soil_ph_" + bed, Value: float64(regs[3]) / 100, TS: ts},
	}
}
