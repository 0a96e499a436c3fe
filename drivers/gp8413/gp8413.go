// Package gp8413 drives the GP8413 dual-channel 0-10 V I²C DAC used
// for dimmable light circuits. The device has no readback; the last
// commanded level per channel is cached. The output range register is
// re-asserted before every write because the part does not reliably
// persist it.
package gp8413

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"

	"growhouse-go/x/mathx"
)

// DefaultAddress is the DAC's base I²C address.
const DefaultAddress uint16 = 0x58

const (
	regRange byte = 0x01
	regCh0   byte = 0x02
	regCh1   byte = 0x04
	regStore byte = 0x10

	// range word for 0-10 V, written little-endian
	range10V uint16 = 0x0011
	// vendor persist command value
	storeCmd byte = 0x03

	// output settle time after a write
	defaultSettle = 50 * time.Millisecond

	millivoltMax = 10000
	dacMax       = 4095
)

var (
	errInvalidChannel = errors.New("gp8413: channel out of range")
	errInvalidVoltage = errors.New("gp8413: voltage out of range")
)

// Opts tunes construction. The zero value selects defaults; a negative
// Settle disables the post-write delay.
type Opts struct {
	Addr   uint16
	Settle time.Duration
}

// Dev is one DAC board.
type Dev struct {
	mu     sync.Mutex
	i2c    i2c.Dev
	settle time.Duration
	volts  [2]float64
}

// New initialises the board and sets the 0-10 V output range.
func New(bus i2c.Bus, opts *Opts) (*Dev, error) {
	addr := DefaultAddress
	settle := defaultSettle
	if opts != nil {
		if opts.Addr != 0 {
			addr = opts.Addr
		}
		if opts.Settle != 0 {
			settle = max(opts.Settle, 0)
		}
	}
	d := &Dev{i2c: i2c.Dev{Bus: bus, Addr: addr}, settle: settle}
	if err := d.writeRange(); err != nil {
		return nil, fmt.Errorf("gp8413: set output range: %w", err)
	}
	return d, nil
}

func (d *Dev) String() string { return fmt.Sprintf("gp8413{%s/0x%02x}", d.i2c.Bus, d.i2c.Addr) }

// SetVoltage drives one channel to volts in [0, 10]. With persist the
// level is also stored to the device EEPROM so it survives power loss.
func (d *Dev) SetVoltage(ch int, volts float64, persist bool) error {
	if ch != 0 && ch != 1 {
		return errInvalidChannel
	}
	if volts < 0 || volts > 10 || math.IsNaN(volts) {
		return errInvalidVoltage
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// volts -> millivolts -> 12-bit count, left-aligned on the wire
	data := mathx.Clamp(int(math.Round(volts*1000)), 0, millivoltMax)
	dac12 := mathx.Clamp(int(math.Round(float64(data)/millivoltMax*dacMax)), 0, dacMax)
	wire := uint16(dac12) << 4

	if err := d.writeRange(); err != nil {
		return fmt.Errorf("gp8413: re-assert range: %w", err)
	}
	reg := regCh0
	if ch == 1 {
		reg = regCh1
	}
	if _, err := d.i2c.Write([]byte{reg, byte(wire & 0xff), byte(wire >> 8)}); err != nil {
		return fmt.Errorf("gp8413: write channel %d: %w", ch, err)
	}
	if persist {
		if err := d.store(); err != nil {
			return err
		}
	}
	d.volts[ch] = volts
	time.Sleep(d.settle)
	return nil
}

// SetIntensity drives one channel as a percentage of full scale.
func (d *Dev) SetIntensity(ch int, percent float64, persist bool) error {
	percent = mathx.Clamp(percent, 0, 100)
	return d.SetVoltage(ch, percent/100*10, persist)
}

// Voltage returns the cached level for a channel.
func (d *Dev) Voltage(ch int) (float64, error) {
	if ch != 0 && ch != 1 {
		return 0, errInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volts[ch], nil
}

// Intensity returns the cached level as a percentage.
func (d *Dev) Intensity(ch int) (float64, error) {
	v, err := d.Voltage(ch)
	if err != nil {
		return 0, err
	}
	return v / 10 * 100, nil
}

// StoreSettings persists the current output levels to EEPROM.
func (d *Dev) StoreSettings() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store()
}

// Halt drives both channels to 0 V (conn.Resource).
func (d *Dev) Halt() error {
	if err := d.SetVoltage(0, 0, false); err != nil {
		return err
	}
	return d.SetVoltage(1, 0, false)
}

func (d *Dev) writeRange() error {
	_, err := d.i2c.Write([]byte{regRange, byte(range10V & 0xff), byte(range10V >> 8)})
	return err
}

func (d *Dev) store() error {
	if _, err := d.i2c.Write([]byte{regStore, storeCmd}); err != nil {
		return fmt.Errorf("gp8413: store settings: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Board manager
// -----------------------------------------------------------------------------

var errUnknownBoard = errors.New("gp8413: unknown board id")

// Manager multiplexes several DAC boards keyed by a caller-assigned
// board id.
type Manager struct {
	mu     sync.RWMutex
	boards map[int]*Dev
}

func NewManager() *Manager { return &Manager{boards: make(map[int]*Dev)} }

// Register adds a board under an id, replacing any previous mapping.
func (m *Manager) Register(boardID int, d *Dev) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[boardID] = d
}

// SetIntensity addresses a channel on a registered board.
func (m *Manager) SetIntensity(boardID, ch int, percent float64, persist bool) error {
	m.mu.RLock()
	d, ok := m.boards[boardID]
	m.mu.RUnlock()
	if !ok {
		return errUnknownBoard
	}
	return d.SetIntensity(ch, percent, persist)
}

// Intensity returns the cached percentage for a channel, with ok=false
// for unknown boards.
func (m *Manager) Intensity(boardID, ch int) (float64, bool) {
	m.mu.RLock()
	d, ok := m.boards[boardID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	v, err := d.Intensity(ch)
	if err != nil {
		return 0, false
	}
	return v, true
}

// HaltAll drives every registered board to 0 V.
func (m *Manager) HaltAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for _, d := range m.boards {
		if err := d.Halt(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
