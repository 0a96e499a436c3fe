package psychro

import (
	"math"
	"testing"
)

func TestSaturationPressure(t *testing.T) {
	// Magnus at 20C is ~23.4 hPa
	es := SaturationPressure(20)
	if math.Abs(es-23.4) > 0.2 {
		t.Fatalf("e_s(20) = %v, want ~23.4", es)
	}
	// monotonic in T
	if SaturationPressure(25) <= es {
		t.Fatal("e_s must increase with temperature")
	}
}

func TestFromWetDry_EqualBulbsIsSaturated(t *testing.T) {
	rh, vpd := FromWetDry(22, 22, StandardPressure)
	if math.Abs(rh-100) > 1e-9 {
		t.Fatalf("rh at wet==dry = %v, want 100", rh)
	}
	if vpd != 0 {
		t.Fatalf("vpd at saturation = %v, want 0", vpd)
	}
}

func TestFromWetDry_Depression(t *testing.T) {
	rh, vpd := FromWetDry(25, 20, StandardPressure)
	if rh <= 0 || rh >= 100 {
		t.Fatalf("rh = %v, want inside (0,100)", rh)
	}
	// 5C depression at 25C is roughly 63% RH
	if math.Abs(rh-63) > 3 {
		t.Fatalf("rh = %v, want ~63", rh)
	}
	if vpd <= 0 {
		t.Fatalf("vpd = %v, want > 0", vpd)
	}
}

func TestFromWetDry_BoundsHold(t *testing.T) {
	// absurd inputs still land in range
	rh, vpd := FromWetDry(40, -10, 800)
	if rh < 0 || rh > 100 {
		t.Fatalf("rh out of bounds: %v", rh)
	}
	if vpd < 0 {
		t.Fatalf("vpd negative: %v", vpd)
	}
}

func TestRHFromDewPoint(t *testing.T) {
	if got := RHFromDewPoint(20, 20); math.Abs(got-100) > 1e-9 {
		t.Fatalf("dew==temp should be 100%%, got %v", got)
	}
	got := RHFromDewPoint(25, 10)
	// ~39% RH
	if math.Abs(got-39) > 3 {
		t.Fatalf("RH(25,10) = %v, want ~39", got)
	}
}
