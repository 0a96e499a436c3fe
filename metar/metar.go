// Package metar fetches aviation weather for the configured reference
// station and converts it to metric: the outdoor baseline the facility
// compares its zones against. Fetches go through a circuit breaker so
// a flapping upstream degrades to "no weather" instead of churn.
package metar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"growhouse-go/psychro"
	"growhouse-go/x/mathx"
)

const (
	DefaultBaseURL = "https://aviationweather.gov/api/data/metar"
	DefaultTimeout = 30 * time.Second

	inHgToHPa  = 33.8639
	ktToMS     = 0.514444
	inchesToMM = 25.4
)

// Observation is one station report in metric units. Nil fields were
// absent from the report.
type Observation struct {
	Station     string
	TempC       *float64
	DewPointC   *float64
	RH          *float64 // derived from temp + dew point
	PressureHPa *float64
	WindSpeedMS *float64
	WindDirDeg  *float64
	PrecipMM    *float64
}

// Options configures a Client.
type Options struct {
	BaseURL string // defaults to DefaultBaseURL
	Station string // ICAO identifier, e.g. "KPDX"
	Timeout time.Duration

	// TripAfter is the consecutive-failure count that opens the
	// breaker. Zero means 3.
	TripAfter uint32
}

// Client fetches and converts reports for one station.
type Client struct {
	http    *http.Client
	base    string
	station string
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New builds a Client. No I/O happens until Fetch.
func New(opts Options, log zerolog.Logger) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	trip := opts.TripAfter
	if trip == 0 {
		trip = 3
	}
	l := log.With().Str("component", "metar").Str("station", opts.Station).Logger()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "metar",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
	return &Client{
		http:    &http.Client{Timeout: timeout},
		base:    base,
		station: opts.Station,
		breaker: cb,
		log:     l,
	}
}

// Fetch returns the station's latest report. While the breaker is open
// it fails fast with gobreaker.ErrOpenState.
func (c *Client) Fetch(ctx context.Context) (Observation, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return Observation{}, err
	}
	return out.(Observation), nil
}

// raw mirrors the upstream JSON. Wind direction is either a number or
// the string "VRB".
type raw struct {
	ICAO   string   `json:"icaoId"`
	Temp   *float64 `json:"temp"`
	Dewp   *float64 `json:"dewp"`
	Altim  *float64 `json:"altim"`
	Wspd   *float64 `json:"wspd"`
	Wdir   any      `json:"wdir"`
	Precip *float64 `json:"precip"`
}

func (c *Client) fetch(ctx context.Context) (Observation, error) {
	u := fmt.Sprintf("%s?ids=%s&format=json", c.base, url.QueryEscape(c.station))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Observation{}, fmt.Errorf("metar: request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Observation{}, fmt.Errorf("metar: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Observation{}, fmt.Errorf("metar: status %d", resp.StatusCode)
	}

	var reports []raw
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return Observation{}, fmt.Errorf("metar: decode: %w", err)
	}
	if len(reports) == 0 {
		return Observation{}, fmt.Errorf("metar: no report for %s", c.station)
	}
	return convert(reports[0]), nil
}

func convert(r raw) Observation {
	obs := Observation{
		Station:   r.ICAO,
		TempC:     r.Temp,
		DewPointC: r.Dewp,
	}
	if r.Temp != nil && r.Dewp != nil {
		rh := mathx.Round3(psychro.RHFromDewPoint(*r.Temp, *r.Dewp))
		obs.RH = &rh
	}
	if r.Altim != nil {
		p := mathx.Round3(*r.Altim * inHgToHPa)
		obs.PressureHPa = &p
	}
	if r.Wspd != nil {
		w := mathx.Round3(*r.Wspd * ktToMS)
		obs.WindSpeedMS = &w
	}
	if deg, ok := windDir(r.Wdir); ok {
		obs.WindDirDeg = &deg
	}
	if r.Precip != nil {
		mm := mathx.Round3(*r.Precip * inchesToMM)
		obs.PrecipMM = &mm
	}
	return obs
}

// windDir tolerates the "VRB" (variable) string the feed uses for
// light winds.
func windDir(v any) (float64, bool) {
	switch d := v.(type) {
	case float64:
		return d, true
	case json.Number:
		f, err := d.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
