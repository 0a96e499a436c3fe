package ramp

import (
	"testing"
	"time"
)

func TestProgress(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := Progress(start, start.Add(5*time.Minute), 10*time.Minute); got != 0.5 {
		t.Fatalf("halfway progress = %v", got)
	}
	if got := Progress(start, start.Add(20*time.Minute), 10*time.Minute); got != 1 {
		t.Fatalf("overrun progress = %v, want 1", got)
	}
	if got := Progress(start, start, 10*time.Minute); got != 0 {
		t.Fatalf("zero-elapsed progress = %v", got)
	}
	if got := Progress(start, start, 0); got != 1 {
		t.Fatalf("zero-duration progress = %v, want 1 (instant)", got)
	}
}

func TestLightProfile(t *testing.T) {
	// 30-minute ramp-up from darkness to 80%: halfway through the ramp
	// the lamp sits at 40%.
	if got := LightProfile(0, 80, 15, 700, 30, 30); got != 40 {
		t.Fatalf("ramp-up midpoint = %v, want 40", got)
	}
	// Steady phase holds the target.
	if got := LightProfile(80, 80, 120, 600, 30, 30); got != 80 {
		t.Fatalf("steady = %v, want 80", got)
	}
	// Ramp-down scales the current level toward zero at the window edge.
	if got := LightProfile(80, 80, 700, 15, 30, 30); got != 40 {
		t.Fatalf("ramp-down midpoint = %v, want 40", got)
	}
	if got := LightProfile(80, 80, 700, 0, 30, 30); got != 0 {
		t.Fatalf("window edge = %v, want 0", got)
	}
	// No ramps configured: jump straight to target.
	if got := LightProfile(0, 65, 0, 720, 0, 0); got != 65 {
		t.Fatalf("no-ramp = %v, want 65", got)
	}
	// Result is clamped even for out-of-range targets.
	if got := LightProfile(0, 140, 60, 600, 30, 0); got != 100 {
		t.Fatalf("clamp = %v, want 100", got)
	}
}

func TestLerp(t *testing.T) {
	// 18 -> 24 over a ramp: midpoint must be exactly 21
	if got := Lerp(18, 24, 0.5); got != 21 {
		t.Fatalf("Lerp(18,24,0.5) = %v, want 21", got)
	}
	if got := Lerp(18, 24, 0); got != 18 {
		t.Fatalf("Lerp at 0 = %v", got)
	}
	if got := Lerp(18, 24, 1); got != 24 {
		t.Fatalf("Lerp at 1 = %v", got)
	}
	if got := Lerp(18, 24, 2); got != 24 {
		t.Fatalf("Lerp clamps progress, got %v", got)
	}
}
