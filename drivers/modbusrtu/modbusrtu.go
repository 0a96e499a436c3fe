// Package modbusrtu is a small RTU master for RS-485 soil probes:
// holding-register reads (function 0x03) against switchable slave ids
// over one shared serial port.
package modbusrtu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Defaults match the probes' factory serial settings.
const (
	DefaultPort     = "/dev/serial0"
	DefaultBaudRate = 9600
	DefaultTimeout  = 2 * time.Second
)

// Client serialises Modbus transactions over one port. The connection
// is opened lazily and dropped on failure so the next call redials.
type Client struct {
	mu        sync.Mutex
	handler   *modbus.RTUClientHandler
	client    modbus.Client
	connected bool
}

// New prepares a client; no I/O happens until the first read.
func New(port string, baudRate int, timeout time.Duration) *Client {
	if port == "" {
		port = DefaultPort
	}
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	h := modbus.NewRTUClientHandler(port)
	h.BaudRate = baudRate
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.Timeout = timeout
	return &Client{handler: h, client: modbus.NewClient(h)}
}

// ReadHoldingRegisters reads count registers from slaveID starting at
// start and returns them as big-endian words. On any failure the port
// is closed so the next call reconnects.
func (c *Client) ReadHoldingRegisters(slaveID byte, start, count uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.handler.Connect(); err != nil {
			return nil, fmt.Errorf("modbusrtu: connect %s: %w", c.handler.Address, err)
		}
		c.connected = true
	}
	c.handler.SlaveId = slaveID

	raw, err := c.client.ReadHoldingRegisters(start, count)
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("modbusrtu: slave %d read %d@%d: %w", slaveID, count, start, err)
	}
	if len(raw) != int(count)*2 {
		c.dropLocked()
		return nil, fmt.Errorf("modbusrtu: slave %d short read: %d bytes for %d registers", slaveID, len(raw), count)
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return regs, nil
}

// Close releases the serial port.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

func (c *Client) dropLocked() {
	if c.connected {
		_ = c.handler.Close()
		c.connected = false
	}
}
