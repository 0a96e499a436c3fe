package errcode

import "errors"

// Code is a stable, operator-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	InvalidConfig  Code = "invalid_config"
	UnknownZone    Code = "unknown_zone"
	UnknownDevice  Code = "unknown_device"
	UnknownChannel Code = "unknown_channel"
	UnknownSensor  Code = "unknown_sensor"

	Interlock       Code = "interlock"
	FailsafeLatched Code = "failsafe_latched"
	StaleData       Code = "stale_data"
	RateLimited     Code = "rate_limited"
	Conflict        Code = "conflict"

	Hardware    Code = "hardware"
	Timeout     Code = "timeout"
	Unavailable Code = "unavailable"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	return Error
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, c Code) bool { return Of(err) == c }
