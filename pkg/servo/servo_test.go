package servo

import (
	"math"
	"testing"
)

func TestPulseWidthDefaults(t *testing.T) {
	o := NewDefault()
	expectPulseWidth(t, o, 1500)
	o.SetSteering(0)
	expectPulseWidth(t, o, 1000)
	o.SetSteering(1)
	expectPulseWidth(t, o, 2000)
}

func TestPulseWidthRounds(t *testing.T) {
	o := New(0.3333, 1000, 2000)
	expectPulseWidth(t, o, 1333)
	o.SetSteering(0.0006)
	expectPulseWidth(t, o, 1001)
}

func TestSteeringClamps(t *testing.T) {
	o := NewDefault()
	o.SetSteering(-3)
	if o.Steering() != 0 {
		t.Errorf("Expected clamp to 0, got %v", o.Steering())
	}
	o.SetSteering(7)
	if o.Steering() != 1 {
		t.Errorf("Expected clamp to 1, got %v", o.Steering())
	}
	o.SetSteering(float32(math.NaN()))
	if o.Steering() != DefaultSteering {
		t.Errorf("Expected NaN to become neutral, got %v", o.Steering())
	}
}

func TestWidthSettersKeepMinBelowMax(t *testing.T) {
	o := NewDefault()

	o.SetMinWidth(2500)
	expectRange(t, o, 2500, 2501)

	o.SetMaxWidth(900)
	expectRange(t, o, 899, 900)

	o.SetMinWidth(-10)
	expectRange(t, o, 0, 900)

	o.SetMaxWidth(-10)
	expectRange(t, o, 0, 1)

	o.SetMaxWidth(0)
	expectRange(t, o, 0, 1)
}

func TestNewWithRangeAboveDefaults(t *testing.T) {
	o := New(0, 2500, 3000)
	expectRange(t, o, 2500, 3000)
	o = New(0, 100, 800)
	expectRange(t, o, 100, 800)
}

func TestPulseWidthBoundedAndMonotonic(t *testing.T) {
	ranges := [][2]float32{{1000, 2000}, {500, 2500}, {0, 1}, {1450, 1550}, {700, 701}}
	for _, r := range ranges {
		o := New(0, r[0], r[1])
		prev := uint32(0)
		for i := 0; i <= 1000; i++ {
			o.SetSteering(float32(i) / 1000)
			w := o.PulseWidth()
			if float32(w) < r[0] || float32(w) > r[1] {
				t.Fatalf("Width %d outside [%v,%v] at steering %v", w, r[0], r[1], o.Steering())
			}
			if w < prev {
				t.Fatalf("Width decreased from %d to %d at steering %v", prev, w, o.Steering())
			}
			prev = w
		}
	}
}

func expectPulseWidth(t *testing.T, o *Output, expected uint32) {
	t.Helper()
	if w := o.PulseWidth(); w != expected {
		t.Errorf("Expected pulse width %d for %v, got %d", expected, o, w)
	}
}

func expectRange(t *testing.T, o *Output, min, max float32) {
	t.Helper()
	if o.MinWidth() != min || o.MaxWidth() != max {
		t.Errorf("Expected range [%v,%v], got [%v,%v]", min, max, o.MinWidth(), o.MaxWidth())
	}
	if o.MinWidth() >= o.MaxWidth() {
		t.Errorf("Invariant broken: min %v >= max %v", o.MinWidth(), o.MaxWidth())
	}
}
