package pwm

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/physic"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
	"github.com/petiaccja/raspberry-rc/pkg/gpio"
)

func testRegistry(t *testing.T) (*Registry, *gpio.Dummy) {
	t.Helper()
	c := clock.NewSystem()
	d := gpio.NewDummy(c)
	cfg := DefaultConfig()
	cfg.RealTime = false
	cfg.ProfileSamples = 1024
	return NewRegistry(d, c, cfg), d
}

func expectRunning(t *testing.T, r *Registry, running bool) {
	t.Helper()
	if r.Running() != running {
		t.Errorf("Running() = %v, want %v", r.Running(), running)
	}
}

func TestPeriod(t *testing.T) {
	r := NewRegistry(gpio.NewDummy(nil), clock.NewSystem(), Config{})
	if r.Period() != 20000 {
		t.Errorf("default period %dus, want 20000us", r.Period())
	}
	r = NewRegistry(gpio.NewDummy(nil), clock.NewSystem(), Config{Frequency: 100 * physic.Hertz})
	if r.Period() != 10000 {
		t.Errorf("100Hz period %dus, want 10000us", r.Period())
	}
}

func TestOffOrder(t *testing.T) {
	pulses := []Pulse{
		{Pin: 'A', Width: 1500},
		{Pin: 'B', Width: 1000},
		{Pin: 'C', Width: 2000},
	}
	offOrder(pulses)
	want := []uint32{'B', 'A', 'C'}
	for i, p := range pulses {
		if p.Pin != want[i] {
			t.Fatalf("off order %c at %d, want %c", p.Pin, i, want[i])
		}
	}
}

func TestOffOrderKeepsTies(t *testing.T) {
	pulses := []Pulse{
		{Pin: 1, Width: 1200},
		{Pin: 2, Width: 1100},
		{Pin: 3, Width: 1200},
		{Pin: 4, Width: 1100},
	}
	offOrder(pulses)
	want := []uint32{2, 4, 1, 3}
	for i, p := range pulses {
		if p.Pin != want[i] {
			t.Fatalf("off order %v at %d, want %v", p.Pin, i, want[i])
		}
	}
}

func TestLoopFollowsRegistry(t *testing.T) {
	r, d := testRegistry(t)
	e := r.NewEngine()
	expectRunning(t, r, false)

	if _, err := e.AddServo(17, 0.5, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	expectRunning(t, r, true)
	if m, ok := d.Mode(17); !ok || m != gpio.Output {
		t.Errorf("pin 17 mode %v (configured=%v), want output", m, ok)
	}

	if _, err := e.AddServo(18, 0.5, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveServo(17); err != nil {
		t.Fatal(err)
	}
	expectRunning(t, r, true)
	if err := e.RemoveServo(18); err != nil {
		t.Fatal(err)
	}
	expectRunning(t, r, false)
	if d.Read(17) || d.Read(18) {
		t.Error("pins left high after removal")
	}

	// And again, to check the loop can be restarted.
	if _, err := e.AddServo(17, 0.5, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	expectRunning(t, r, true)
	e.Reset()
	expectRunning(t, r, false)
}

func TestDuplicatePin(t *testing.T) {
	r, _ := testRegistry(t)
	a := r.NewEngine()
	b := r.NewEngine()
	defer a.Reset()

	first, err := a.AddServo(4, 0.25, 1000, 2000)
	if err != nil {
		t.Fatal(err)
	}
	out, err := b.AddServo(4, 0.75, 1000, 2000)
	if !errors.Is(err, ErrPinInUse) {
		t.Errorf("second AddServo error %v, want ErrPinInUse", err)
	}
	if out != nil {
		t.Error("second AddServo returned an output")
	}
	if r.Len() != 1 {
		t.Errorf("registry has %d servos, want 1", r.Len())
	}
	if a.GetServo(4) != first {
		t.Error("original servo replaced")
	}
	if first.Steering() != 0.25 {
		t.Errorf("original steering changed to %v", first.Steering())
	}
}

func TestInvalidPin(t *testing.T) {
	r, _ := testRegistry(t)
	e := r.NewEngine()
	if _, err := e.AddServo(gpio.NumPins, 0.5, 1000, 2000); !errors.Is(err, gpio.ErrInvalidPin) {
		t.Errorf("AddServo(%d) error %v, want ErrInvalidPin", gpio.NumPins, err)
	}
	expectRunning(t, r, false)
}

func TestEnginesOnlyTouchTheirOwnPins(t *testing.T) {
	r, _ := testRegistry(t)
	a := r.NewEngine()
	b := r.NewEngine()

	if _, err := a.AddServo(4, 0.5, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddServo(5, 0.5, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	if b.GetServo(4) != nil {
		t.Error("engine b can see pin 4")
	}
	if err := b.RemoveServo(4); !errors.Is(err, ErrPinNotFound) {
		t.Errorf("b.RemoveServo(4) error %v, want ErrPinNotFound", err)
	}

	a.Reset()
	if r.Len() != 1 {
		t.Errorf("registry has %d servos after a.Reset, want 1", r.Len())
	}
	expectRunning(t, r, true)
	if len(a.Pins()) != 0 {
		t.Errorf("a still owns %v", a.Pins())
	}
	b.Reset()
	expectRunning(t, r, false)
}

func TestRequiredRealTimeFailureRollsBack(t *testing.T) {
	r, _ := testRegistry(t)
	r.cfg.RealTime = true
	r.cfg.RequireRealTime = true
	r.elevate = func(int) error { return errors.New("operation not permitted") }

	e := r.NewEngine()
	out, err := e.AddServo(4, 0.5, 1000, 2000)
	if !errors.Is(err, ErrTaskSpawn) {
		t.Errorf("AddServo error %v, want ErrTaskSpawn", err)
	}
	if out != nil {
		t.Error("failed AddServo returned an output")
	}
	if r.Len() != 0 || len(e.Pins()) != 0 {
		t.Errorf("registry has %d servos, engine owns %v after rollback", r.Len(), e.Pins())
	}
	expectRunning(t, r, false)
}

func TestOptionalRealTimeFailureFallsBack(t *testing.T) {
	r, _ := testRegistry(t)
	r.cfg.RealTime = true
	r.elevate = func(int) error { return errors.New("operation not permitted") }

	e := r.NewEngine()
	if _, err := e.AddServo(4, 0.5, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	expectRunning(t, r, true)
	e.Reset()
}

func TestWaveform(t *testing.T) {
	r, d := testRegistry(t)
	e := r.NewEngine()

	// Added in order A, B, C with widths 1500, 1000, 2000.
	pins := []uint32{4, 5, 6}
	for i, s := range []float32{0.5, 0, 1} {
		if _, err := e.AddServo(pins[i], s, 1000, 2000); err != nil {
			t.Fatal(err)
		}
	}
	// Let any cycle that started with fewer servos finish first.
	time.Sleep(30 * time.Millisecond)
	d.Edges()
	time.Sleep(100 * time.Millisecond)
	e.Reset()
	edges := d.Edges()

	// Find the first complete cycle: three rising edges in switch-on order.
	start := -1
	for i := 0; i+6 <= len(edges); i++ {
		if edges[i].High && edges[i].Pin == 4 {
			start = i
			break
		}
	}
	if start < 0 {
		t.Fatalf("no complete cycle in %d edges", len(edges))
	}
	cycle := edges[start : start+6]
	wantPins := []uint32{4, 5, 6, 5, 4, 6}
	for i, edge := range cycle {
		wantHigh := i < 3
		if edge.Pin != wantPins[i] || edge.High != wantHigh {
			t.Fatalf("edge %d is pin %d high=%v, want pin %d high=%v",
				i, edge.Pin, edge.High, wantPins[i], wantHigh)
		}
	}

	rise := map[uint32]uint64{}
	for _, edge := range cycle[:3] {
		rise[edge.Pin] = edge.At
	}
	widths := map[uint32]uint64{4: 1500, 5: 1000, 6: 2000}
	for _, edge := range cycle[3:] {
		got := edge.At - rise[edge.Pin]
		if got < widths[edge.Pin] {
			t.Errorf("pin %d pulse %dus, shorter than %dus", edge.Pin, got, widths[edge.Pin])
		}
	}

	stats := r.Profiler().Stats()
	if stats.Count == 0 {
		t.Error("profiler saw no samples")
	}
	for _, p := range pins {
		if d.Read(p) {
			t.Errorf("pin %d left high", p)
		}
	}
}

func TestProfilerStats(t *testing.T) {
	p := NewProfiler(3)
	p.record(Sample{Pin: 1, Intended: 100, Actual: 102})
	p.record(Sample{Pin: 1, Intended: 200, Actual: 200})
	p.record(Sample{Pin: 1, Intended: 300, Actual: 304})
	p.record(Sample{Pin: 1, Intended: 400, Actual: 401}) // full
	p.missed()

	s := p.Stats()
	if s.Count != 3 || s.MaxError != 4 || s.MeanError != 2 {
		t.Errorf("count=%d max=%d mean=%v, want 3, 4, 2", s.Count, s.MaxError, s.MeanError)
	}
	if s.Dropped != 1 || s.Missed != 1 {
		t.Errorf("dropped=%d missed=%d, want 1, 1", s.Dropped, s.Missed)
	}
	if s.Distribution[0] != 1 || s.Distribution[2] != 1 || s.Distribution[4] != 1 {
		t.Errorf("distribution %v", s.Distribution)
	}

	p.record(Sample{Pin: 1, Intended: 500, Actual: 508})
	s = p.Stats()
	if s.Count != 4 || s.MaxError != 8 || s.MeanError != 3.5 {
		t.Errorf("count=%d max=%d mean=%v, want 4, 8, 3.5", s.Count, s.MaxError, s.MeanError)
	}
}

func TestNilProfiler(t *testing.T) {
	var p *Profiler
	p.record(Sample{})
	p.missed()
	p.fault()
	if s := p.Stats(); s.Count != 0 {
		t.Errorf("nil profiler stats %+v", s)
	}
}
