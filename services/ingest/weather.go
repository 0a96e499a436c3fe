package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"growhouse-go/metar"
	"growhouse-go/types"
)

// runWeather polls the METAR station until ctx ends. Station reports
// are analysis context only: they go to the time-series store and
// never touch the live cache or the bus.
func (s *Service) runWeather(ctx context.Context) error {
	cfg := s.config()
	src := s.weather
	if src == nil {
		src = metar.New(metar.Options{
			BaseURL: cfg.Weather.APIURL,
			Station: cfg.Weather.Station,
		}, s.log)
	}

	interval := cfg.Weather.PollInterval.Std()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	log := s.log.With().Str("station", cfg.Weather.Station).Logger()
	log.Info().Dur("interval", interval).Msg("weather producer running")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.pollWeatherOnce(ctx, src, log)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) pollWeatherOnce(ctx context.Context, src WeatherSource, log zerolog.Logger) {
	obs, err := src.Fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("weather fetch failed")
		return
	}
	readings := weatherReadings(obs, time.Now())
	if len(readings) == 0 {
		log.Debug().Msg("report carried no usable fields")
		return
	}
	s.persistReadings(ctx, "Outside", "", "weather_station", "weather_station", readings)
}

// weatherReadings flattens the non-nil observation fields.
func weatherReadings(obs metar.Observation, ts time.Time) []types.Reading {
	fields := []struct {
		name  string
		value *float64
	}{
		{"weather_temp", obs.TempC},
		{"weather_dew_point", obs.DewPointC},
		{"weather_rh", obs.RH},
		{"weather_pressure", obs.PressureHPa},
		{"weather_wind_speed", obs.WindSpeedMS},
		{"weather_wind_dir", obs.WindDirDeg},
		{"weather_precip", obs.PrecipMM},
	}
	readings := make([]types.Reading, 0, len(fields))
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		readings = append(readings, types.Reading{Name: f.name, Value: *f.value, TS: ts})
	}
	return readings
}
