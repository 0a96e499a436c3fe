// Package pca9555 drives the PCA9555 16-channel I²C GPIO expander used
// for relay boards. Both 8-bit ports are configured as outputs and
// driven low at init so every relay starts OFF.
//
// Datasheet: https://www.ti.com/lit/ds/symlink/pca9555.pdf
package pca9555

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
)

// DefaultAddress is the expander's address with A0..A2 strapped low.
const DefaultAddress uint16 = 0x20

// Register pairs; port 1 registers are port 0's + 1.
const (
	regInput0  byte = 0x00
	regOutput0 byte = 0x02
	regInvert0 byte = 0x04
	regConfig0 byte = 0x06
)

const channelCount = 16

var (
	errInvalidChannel = errors.New("pca9555: channel out of range")
)

// Dev is one expander board.
type Dev struct {
	mu  sync.Mutex
	i2c i2c.Dev
	// shadow of both output registers, kept in sync with the device
	shadow [2]byte
}

// New configures the expander with all 16 channels as outputs driven
// low.
func New(bus i2c.Bus, addr uint16) (*Dev, error) {
	d := &Dev{i2c: i2c.Dev{Bus: bus, Addr: addr}}
	// all pins outputs
	if err := d.writeReg(regConfig0, 0x00, 0x00); err != nil {
		return nil, fmt.Errorf("pca9555: configure ports: %w", err)
	}
	// everything off
	if err := d.writeReg(regOutput0, 0x00, 0x00); err != nil {
		return nil, fmt.Errorf("pca9555: clear outputs: %w", err)
	}
	return d, nil
}

func (d *Dev) String() string { return fmt.Sprintf("pca9555{%s/0x%02x}", d.i2c.Bus, d.i2c.Addr) }

// SetChannel drives one channel. The port byte is read back from the
// device, one bit flipped, and written again.
func (d *Dev) SetChannel(ch int, on bool) error {
	if ch < 0 || ch >= channelCount {
		return errInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	port := byte(ch / 8)
	bit := byte(1) << (ch % 8)

	var cur [1]byte
	if err := d.i2c.Tx([]byte{regOutput0 + port}, cur[:]); err != nil {
		return fmt.Errorf("pca9555: read port %d: %w", port, err)
	}
	next := cur[0]
	if on {
		next |= bit
	} else {
		next &^= bit
	}
	if _, err := d.i2c.Write([]byte{regOutput0 + port, next}); err != nil {
		return fmt.Errorf("pca9555: write port %d: %w", port, err)
	}
	d.shadow[port] = next
	return nil
}

// GetChannel reports a channel's commanded state from the output
// register.
func (d *Dev) GetChannel(ch int) (bool, error) {
	if ch < 0 || ch >= channelCount {
		return false, errInvalidChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	port := byte(ch / 8)
	var cur [1]byte
	if err := d.i2c.Tx([]byte{regOutput0 + port}, cur[:]); err != nil {
		return false, fmt.Errorf("pca9555: read port %d: %w", port, err)
	}
	d.shadow[port] = cur[0]
	return cur[0]&(byte(1)<<(ch%8)) != 0, nil
}

// SetAll writes the full 16-bit output mask, channel 0 at bit 0.
func (d *Dev) SetAll(mask uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(regOutput0, byte(mask&0xff), byte(mask>>8)); err != nil {
		return fmt.Errorf("pca9555: write outputs: %w", err)
	}
	d.shadow[0] = byte(mask & 0xff)
	d.shadow[1] = byte(mask >> 8)
	return nil
}

// AllOff drives every channel low.
func (d *Dev) AllOff() error { return d.SetAll(0) }

// Halt drives every channel low (conn.Resource).
func (d *Dev) Halt() error { return d.AllOff() }

func (d *Dev) writeReg(reg, lo, hi byte) error {
	_, err := d.i2c.Write([]byte{reg, lo, hi})
	return err
}
