package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"growhouse-go/config"
	"growhouse-go/types"
)

func TestPollSoilOnce_ScalesRegistersAndFansOut(t *testing.T) {
	fx := newTestService(t, ingestYAML, nil)
	ctx := context.Background()
	probe := config.SoilProbe{Port: "/dev/serial0", SlaveID: 3, Bed: "bed_a", Room: "Flower Room", BaseRegister: 0x10}
	regs := &fakeRegs{regs: []uint16{215, 634, 1800, 652}}

	fx.s.pollSoilOnce(ctx, regs, probe, zerolog.Nop())

	if regs.slave != 3 || regs.start != 0x10 || regs.count != 4 {
		t.Fatalf("read slave=%d start=%d count=%d, want 3/16/4", regs.slave, regs.start, regs.count)
	}

	want := map[string]float64{
		"soil_temp_bed_a":     21.5,
		"soil_moisture_bed_a": 63.4,
		"soil_ec_bed_a":       1800,
		"soil_ph_bed_a":       6.52,
	}
	for name, wantV := range want {
		v, ok, err := fx.c.Sensor(ctx, name)
		if err != nil || !ok {
			t.Fatalf("%s missing: ok=%v err=%v", name, ok, err)
		}
		if v != wantV {
			t.Fatalf("%s = %v, want %v", name, v, wantV)
		}
	}

	zone := types.Zone{Location: "Flower Room", Cluster: "bed_a"}
	if _, ok, _ := fx.c.LastGood(ctx, zone, "soil_temp_bed_a"); ok {
		t.Fatal("soil readings must not seed last-good fallbacks")
	}

	if len(fx.st.rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(fx.st.rows))
	}
	if fx.st.units["soil_ec_bed_a"] != "uS/cm" || fx.st.units["soil_ph_bed_a"] != "pH" {
		t.Fatalf("units = %v", fx.st.units)
	}
	if _, ok := fx.st.devices["soil_bed_a"]; !ok {
		t.Fatalf("devices = %v, want soil_bed_a", fx.st.devices)
	}
	if got := testutil.ToFloat64(fx.met.EventAppends); got != 1 {
		t.Fatalf("event appends = %v, want 1", got)
	}
}

func TestPollSoilOnce_ReadFailureWritesNothing(t *testing.T) {
	fx := newTestService(t, ingestYAML, nil)
	probe := config.SoilProbe{Port: "/dev/serial0", SlaveID: 1, Bed: "bed_a", Room: "Veg Room"}

	fx.s.pollSoilOnce(context.Background(), &fakeRegs{err: errors.New("port gone")}, probe, zerolog.Nop())
	fx.s.pollSoilOnce(context.Background(), &fakeRegs{regs: []uint16{215, 634}}, probe, zerolog.Nop())

	if len(fx.st.rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(fx.st.rows))
	}
	if keys := fx.srv.Keys(); len(keys) != 0 {
		t.Fatalf("cache keys = %v, want none", keys)
	}
	if fx.st.reconnects != 0 {
		t.Fatalf("reconnects = %d, want 0", fx.st.reconnects)
	}
}

func TestSoilReadings_SignedTemperature(t *testing.T) {
	rs := soilReadings("bed_b", []uint16{0xFF38, 0, 0, 0}, time.Now())
	if rs[0].Name != "soil_temp_bed_b" {
		t.Fatalf("name = %q", rs[0].Name)
	}
	if rs[0].Value != -20 {
		t.Fatalf("temp = %v, want -20", rs[0].Value)
	}
}
