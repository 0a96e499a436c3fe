package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_TimeoutIsQuietBus(t *testing.T) {
	if err := Classify(timeoutErr{}); err != nil {
		t.Fatalf("timeout should classify to nil, got %v", err)
	}
	opErr := &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}
	if err := Classify(opErr); err != nil {
		t.Fatalf("deadline should classify to nil, got %v", err)
	}
}

func TestClassify_LinkLoss(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ENETDOWN, syscall.ENODEV, syscall.ENXIO} {
		wrapped := &net.OpError{Op: "read", Err: os.NewSyscallError("read", errno)}
		if err := Classify(wrapped); !errors.Is(err, ErrLinkDown) {
			t.Errorf("errno %v should classify as ErrLinkDown, got %v", errno, err)
		}
	}
}

func TestClassify_PassThrough(t *testing.T) {
	boom := fmt.Errorf("boom")
	if err := Classify(boom); !errors.Is(err, boom) {
		t.Fatalf("unexpected classification: %v", err)
	}
	if err := Classify(nil); err != nil {
		t.Fatalf("nil should stay nil, got %v", err)
	}
}

func TestLinkState_UnknownInterface(t *testing.T) {
	if got := LinkState("definitely-not-a-netdev-0"); got != "unknown" {
		t.Fatalf("LinkState = %q, want unknown", got)
	}
}

func TestNew_RefusesDownLink(t *testing.T) {
	// loopback is a safe stand-in: if "lo" reports anything but down the
	// guard is skipped and dialling a non-CAN iface fails differently.
	if LinkState("lo") == "down" {
		t.Skip("loopback down on this host")
	}
	_, err := New(context.Background(), "definitely-not-a-netdev-0")
	if err == nil {
		t.Fatal("dial of a missing interface should fail")
	}
}
