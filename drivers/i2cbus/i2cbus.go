// Package i2cbus opens the host I²C bus and serialises access to it.
// Logical devices sharing one physical bus must go through the same
// *Locked handle; separate buses may run concurrently.
package i2cbus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var hostOnce sync.Once

// Open initialises the periph host once and opens the named bus
// ("" selects the first available).
func Open(name string) (i2c.BusCloser, error) {
	var initErr error
	hostOnce.Do(func() { _, initErr = host.Init() })
	if initErr != nil {
		return nil, fmt.Errorf("i2c host init: %w", initErr)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("i2c open %q: %w", name, err)
	}
	return bus, nil
}

// Locked wraps a bus with a mutex so register read-modify-write
// sequences from different goroutines do not interleave.
type Locked struct {
	mu  sync.Mutex
	bus i2c.Bus
}

func NewLocked(bus i2c.Bus) *Locked { return &Locked{bus: bus} }

func (l *Locked) String() string { return l.bus.String() }

func (l *Locked) Tx(addr uint16, w, r []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bus.Tx(addr, w, r)
}

func (l *Locked) SetSpeed(f physic.Frequency) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bus.SetSpeed(f)
}

// -----------------------------------------------------------------------------
// Simulated bus
// -----------------------------------------------------------------------------

// Sim is an in-memory register-addressed bus used when no hardware is
// present. Writes of the form {reg, b0, b1, ...} are stored; reads
// return the bytes previously written at the addressed register.
type Sim struct {
	mu   sync.Mutex
	regs map[uint16]map[byte]byte
}

func NewSim() *Sim { return &Sim{regs: make(map[uint16]map[byte]byte)} }

func (s *Sim) String() string { return "i2c-sim" }

func (s *Sim) SetSpeed(physic.Frequency) error { return nil }

func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := s.regs[addr]
	if dev == nil {
		dev = make(map[byte]byte)
		s.regs[addr] = dev
	}
	if len(w) == 0 {
		for i := range r {
			r[i] = 0
		}
		return nil
	}
	reg := w[0]
	for i, b := range w[1:] {
		dev[reg+byte(i)] = b
	}
	for i := range r {
		r[i] = dev[reg+byte(i)]
	}
	return nil
}

var (
	_ i2c.Bus = (*Locked)(nil)
	_ i2c.Bus = (*Sim)(nil)
)
