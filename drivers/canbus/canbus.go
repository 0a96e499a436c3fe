// Package canbus reads raw frames from a SocketCAN interface with
// per-read deadlines and classifies link failures apart from ordinary
// timeouts.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.einride.tech/can/pkg/socketcan"
)

// ErrLinkDown marks operational errors that mean the interface itself
// went away, as opposed to a quiet bus.
var ErrLinkDown = errors.New("canbus: link down")

// Frame is one received classic CAN frame.
type Frame struct {
	ID   uint32
	Data []byte
}

// Reader owns one SocketCAN connection.
type Reader struct {
	iface string
	conn  net.Conn
	recv  *socketcan.Receiver
}

// New verifies the interface link state and binds a raw socket to it.
func New(ctx context.Context, iface string) (*Reader, error) {
	if state := LinkState(iface); state == "down" {
		return nil, fmt.Errorf("canbus: interface %s: %w", iface, ErrLinkDown)
	}
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: dial %s: %w", iface, err)
	}
	return &Reader{
		iface: iface,
		conn:  conn,
		recv:  socketcan.NewReceiver(conn),
	}, nil
}

func (r *Reader) String() string { return "canbus{" + r.iface + "}" }

// ReadFrame blocks up to timeout for one frame. A quiet bus returns
// ok=false with a nil error; link loss returns ErrLinkDown.
func (r *Reader) ReadFrame(timeout time.Duration) (Frame, bool, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Frame{}, false, fmt.Errorf("canbus: set deadline: %w", err)
	}
	if r.recv.Receive() {
		f := r.recv.Frame()
		data := make([]byte, f.Length)
		copy(data, f.Data[:f.Length])
		return Frame{ID: f.ID, Data: data}, true, nil
	}
	err := r.recv.Err()
	// the receiver is spent after any error; rebuild it for the next call
	r.recv = socketcan.NewReceiver(r.conn)
	return Frame{}, false, Classify(err)
}

// Close releases the socket.
func (r *Reader) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Classify maps socket errors onto the reader's error taxonomy:
// deadline expiry means a quiet bus (nil), carrier loss maps to
// ErrLinkDown, anything else passes through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	for _, errno := range []syscall.Errno{syscall.ENETDOWN, syscall.ENODEV, syscall.ENXIO} {
		if errors.Is(err, errno) {
			return fmt.Errorf("%w: %v", ErrLinkDown, err)
		}
	}
	return err
}

// LinkState reports the interface operstate ("up", "down", ...);
// platforms without sysfs report "unknown".
func LinkState(iface string) string {
	if runtime.GOOS != "linux" {
		return "unknown"
	}
	b, err := os.ReadFile("/sys/class/net/" + iface + "/operstate")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
