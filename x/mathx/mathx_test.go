package mathx

import "testing"

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 10); got != 5 {
		t.Fatalf("Clamp(5,0,10) = %d", got)
	}
	if got := Clamp(-3, 0, 10); got != 0 {
		t.Fatalf("Clamp(-3,0,10) = %d", got)
	}
	if got := Clamp(42.0, 0.0, 10.0); got != 10.0 {
		t.Fatalf("Clamp(42,0,10) = %v", got)
	}
	// swapped bounds still clamp
	if got := Clamp(5, 10, 0); got != 5 {
		t.Fatalf("Clamp(5,10,0) = %d", got)
	}
}

func TestBetween(t *testing.T) {
	if !Between(10, 0, 10) {
		t.Fatal("Between(10,0,10) should include the upper bound")
	}
	if Between(11, 0, 10) {
		t.Fatal("Between(11,0,10) should be false")
	}
}

func TestAbs(t *testing.T) {
	if Abs(-4) != 4 || Abs(4) != 4 {
		t.Fatal("Abs int")
	}
	if Abs(-0.25) != 0.25 {
		t.Fatal("Abs float")
	}
}

func TestRound3(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{1.23449, 1.234},
		{1.23451, 1.235},
		{-2.71828, -2.718},
		{0, 0},
	}
	for _, c := range cases {
		if got := Round3(c.in); got != c.want {
			t.Errorf("Round3(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
