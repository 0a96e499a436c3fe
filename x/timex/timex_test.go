package timex

import (
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	min, err := ParseClock("06:30")
	if err != nil || min != 390 {
		t.Fatalf("ParseClock(06:30) = %d, %v", min, err)
	}
	if _, err := ParseClock("24:00"); err == nil {
		t.Fatal("ParseClock(24:00) should fail")
	}
	if _, err := ParseClock("nope"); err == nil {
		t.Fatal("ParseClock(nope) should fail")
	}
}

func TestFormatClock(t *testing.T) {
	if got := FormatClock(390); got != "06:30" {
		t.Fatalf("FormatClock(390) = %q", got)
	}
	if got := FormatClock(-60); got != "23:00" {
		t.Fatalf("FormatClock(-60) = %q", got)
	}
}

func TestInWindow_Plain(t *testing.T) {
	// [480, 1200) = 08:00-20:00
	if !InWindow(480, 480, 1200) {
		t.Fatal("start minute should be inside")
	}
	if InWindow(1200, 480, 1200) {
		t.Fatal("end minute should be outside (half-open)")
	}
	if InWindow(300, 480, 1200) {
		t.Fatal("05:00 should be outside")
	}
}

func TestInWindow_Overnight(t *testing.T) {
	// [1320, 360) = 22:00-06:00
	s, e := 1320, 360
	for _, min := range []int{1320, 1439, 0, 120, 359} {
		if !InWindow(min, s, e) {
			t.Errorf("minute %d should be inside 22:00-06:00", min)
		}
	}
	for _, min := range []int{360, 720, 1319} {
		if InWindow(min, s, e) {
			t.Errorf("minute %d should be outside 22:00-06:00", min)
		}
	}
}

func TestInWindow_Empty(t *testing.T) {
	if InWindow(100, 100, 100) {
		t.Fatal("zero-length window should contain nothing")
	}
}

func TestRingDistances(t *testing.T) {
	// window 22:00-06:00, now 01:00
	if got := SinceStart(60, 1320); got != 180 {
		t.Fatalf("SinceStart = %d, want 180", got)
	}
	if got := UntilEnd(60, 360); got != 300 {
		t.Fatalf("UntilEnd = %d, want 300", got)
	}
}

func TestMinuteOfDay(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 45, 30, 0, time.UTC)
	if got := MinuteOfDay(ts); got != 885 {
		t.Fatalf("MinuteOfDay = %d, want 885", got)
	}
}
