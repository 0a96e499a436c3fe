package pca9555

import (
	"bytes"
	"testing"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"growhouse-go/drivers/i2cbus"
)

func newRecorded(t *testing.T) (*Dev, *i2ctest.Record) {
	t.Helper()
	rec := &i2ctest.Record{Bus: i2cbus.NewSim()}
	d, err := New(rec, DefaultAddress)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, rec
}

func TestNew_ConfiguresOutputsAndClears(t *testing.T) {
	_, rec := newRecorded(t)
	if len(rec.Ops) != 2 {
		t.Fatalf("expected 2 init ops, got %d", len(rec.Ops))
	}
	if !bytes.Equal(rec.Ops[0].W, []byte{0x06, 0x00, 0x00}) {
		t.Errorf("config write = % x", rec.Ops[0].W)
	}
	if !bytes.Equal(rec.Ops[1].W, []byte{0x02, 0x00, 0x00}) {
		t.Errorf("output clear write = % x", rec.Ops[1].W)
	}
}

func TestSetChannel_ReadModifyWrite(t *testing.T) {
	d, rec := newRecorded(t)

	if err := d.SetChannel(3, true); err != nil {
		t.Fatalf("SetChannel(3, on): %v", err)
	}
	// ops[2] is the port read, ops[3] the modified write
	last := rec.Ops[len(rec.Ops)-1]
	if !bytes.Equal(last.W, []byte{0x02, 0x08}) {
		t.Errorf("port write = % x, want 02 08", last.W)
	}

	// a second channel on the same port must preserve bit 3
	if err := d.SetChannel(0, true); err != nil {
		t.Fatalf("SetChannel(0, on): %v", err)
	}
	last = rec.Ops[len(rec.Ops)-1]
	if !bytes.Equal(last.W, []byte{0x02, 0x09}) {
		t.Errorf("port write = % x, want 02 09", last.W)
	}

	// upper port uses the second output register
	if err := d.SetChannel(10, true); err != nil {
		t.Fatalf("SetChannel(10, on): %v", err)
	}
	last = rec.Ops[len(rec.Ops)-1]
	if !bytes.Equal(last.W, []byte{0x03, 0x04}) {
		t.Errorf("port write = % x, want 03 04", last.W)
	}
}

func TestGetChannel_RoundTrip(t *testing.T) {
	d, _ := newRecorded(t)

	if err := d.SetChannel(7, true); err != nil {
		t.Fatal(err)
	}
	on, err := d.GetChannel(7)
	if err != nil || !on {
		t.Fatalf("GetChannel(7) = %v, %v; want on", on, err)
	}
	on, err = d.GetChannel(6)
	if err != nil || on {
		t.Fatalf("GetChannel(6) = %v, %v; want off", on, err)
	}

	if err := d.SetChannel(7, false); err != nil {
		t.Fatal(err)
	}
	on, _ = d.GetChannel(7)
	if on {
		t.Fatal("channel 7 should be off again")
	}
}

func TestSetAll_AndAllOff(t *testing.T) {
	d, rec := newRecorded(t)

	if err := d.SetAll(0xA50F); err != nil {
		t.Fatal(err)
	}
	last := rec.Ops[len(rec.Ops)-1]
	if !bytes.Equal(last.W, []byte{0x02, 0x0F, 0xA5}) {
		t.Errorf("mask write = % x", last.W)
	}
	on, _ := d.GetChannel(15)
	if !on {
		t.Fatal("bit 15 should be on after SetAll(0xA50F)")
	}

	if err := d.AllOff(); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []int{0, 3, 8, 15} {
		if on, _ := d.GetChannel(ch); on {
			t.Errorf("channel %d still on after AllOff", ch)
		}
	}
}

func TestChannelRange(t *testing.T) {
	d, _ := newRecorded(t)
	if err := d.SetChannel(16, true); err == nil {
		t.Fatal("channel 16 should be rejected")
	}
	if err := d.SetChannel(-1, true); err == nil {
		t.Fatal("channel -1 should be rejected")
	}
	if _, err := d.GetChannel(16); err == nil {
		t.Fatal("GetChannel(16) should be rejected")
	}
}
