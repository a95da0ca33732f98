package router

import (
	"testing"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/physic"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
	"github.com/petiaccja/raspberry-rc/pkg/gpio"
	"github.com/petiaccja/raspberry-rc/pkg/message"
	"github.com/petiaccja/raspberry-rc/pkg/pca9685"
	"github.com/petiaccja/raspberry-rc/pkg/pwm"
	"github.com/petiaccja/raspberry-rc/pkg/servo"
)

var (
	_ Engine = (*pwm.Engine)(nil)
	_ Engine = (*pca9685.Engine)(nil)
)

// fakeEngine hands out outputs without driving anything.
type fakeEngine struct {
	outputs map[uint32]*servo.Output
	fail    bool
	resets  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{outputs: map[uint32]*servo.Output{}}
}

func (f *fakeEngine) AddServo(pin uint32, steering, minWidth, maxWidth float32) (*servo.Output, error) {
	if f.fail {
		return nil, errors.New("no more pins")
	}
	if _, ok := f.outputs[pin]; ok {
		return nil, errors.New("in use")
	}
	out := servo.New(steering, minWidth, maxWidth)
	f.outputs[pin] = out
	return out, nil
}

func (f *fakeEngine) RemoveServo(pin uint32) error {
	if _, ok := f.outputs[pin]; !ok {
		return errors.New("not found")
	}
	delete(f.outputs, pin)
	return nil
}

func (f *fakeEngine) Reset() {
	f.resets++
	f.outputs = map[uint32]*servo.Output{}
}

func expectStatus(t *testing.T, got, want Status) {
	t.Helper()
	if got != want {
		t.Errorf("status %v, want %v", got, want)
	}
}

func TestAddAndSteer(t *testing.T) {
	e := newFakeEngine()
	r := New(e, DefaultConfig())

	expectStatus(t, r.Dispatch(message.AddServo, 4, 0), StatusOK)
	out := e.outputs[4]
	if out == nil {
		t.Fatal("engine has no output for pin 4")
	}
	if out.PulseWidth() != 1500 {
		t.Errorf("new servo at %dus, want neutral 1500us", out.PulseWidth())
	}

	expectStatus(t, r.Dispatch(message.SetSteering, 4, 1), StatusOK)
	if out.PulseWidth() != 2000 {
		t.Errorf("unsmoothed steering gave %dus, want 2000us", out.PulseWidth())
	}

	expectStatus(t, r.Dispatch(message.SetMinWidth, 4, 500), StatusOK)
	expectStatus(t, r.Dispatch(message.SetMaxWidth, 4, 2500), StatusOK)
	if out.MinWidth() != 500 || out.MaxWidth() != 2500 {
		t.Errorf("range %v..%v, want 500..2500", out.MinWidth(), out.MaxWidth())
	}
	expectStatus(t, r.Dispatch(message.AddServo, 4, 0), StatusFailed)
}

func TestUnknownPin(t *testing.T) {
	r := New(newFakeEngine(), DefaultConfig())
	for _, instr := range []message.Instruction{
		message.RemoveServo,
		message.SetMinWidth,
		message.SetMaxWidth,
		message.SetSteering,
		message.SetSmoothing,
		message.SetDefaultSteering,
	} {
		if s := r.Dispatch(instr, 9, 0.5); s != StatusFailed {
			t.Errorf("%v on unknown pin: %v, want failed", instr, s)
		}
	}
}

func TestUnsupported(t *testing.T) {
	r := New(newFakeEngine(), DefaultConfig())
	r.Dispatch(message.AddServo, 4, 0)
	for _, instr := range []message.Instruction{
		message.KeepAlive,
		message.Authenticate,
		message.Instruction(99),
	} {
		if s := r.Dispatch(instr, 4, 0); s != StatusUnsupported {
			t.Errorf("%v: %v, want unsupported", instr, s)
		}
	}
}

func TestEngineFailure(t *testing.T) {
	e := newFakeEngine()
	e.fail = true
	r := New(e, DefaultConfig())
	expectStatus(t, r.Dispatch(message.AddServo, 4, 0), StatusFailed)
	if r.Governor(4) != nil {
		t.Error("governor created for a servo the engine refused")
	}
}

func TestSuspendUsesDefaultSteering(t *testing.T) {
	e := newFakeEngine()
	r := New(e, DefaultConfig())
	r.Dispatch(message.AddServo, 4, 0)
	r.Dispatch(message.AddServo, 5, 0)

	r.Dispatch(message.SetDefaultSteering, 5, 0.2)
	r.Dispatch(message.SetSteering, 4, 0.9)
	r.Dispatch(message.SetSteering, 5, 0.9)

	r.Suspend()
	if s := e.outputs[4].Steering(); s != 0.5 {
		t.Errorf("pin 4 suspended at %v, want 0.5", s)
	}
	if s := e.outputs[5].Steering(); s != 0.2 {
		t.Errorf("pin 5 suspended at %v, want 0.2", s)
	}
}

func TestUpdateDrivesSmoothing(t *testing.T) {
	e := newFakeEngine()
	r := New(e, DefaultConfig())
	r.Dispatch(message.AddServo, 4, 0)
	r.Dispatch(message.SetSmoothing, 4, 1)
	r.Dispatch(message.SetSteering, 4, 1)

	if !r.Update(0.5) {
		t.Error("Update reported converged halfway through the ramp")
	}
	if w := e.outputs[4].PulseWidth(); w != 1750 {
		t.Errorf("halfway pulse %dus, want 1750us", w)
	}
	if r.Update(0.5) {
		t.Error("Update still moving at the end of the ramp")
	}
	if w := e.outputs[4].PulseWidth(); w != 2000 {
		t.Errorf("final pulse %dus, want 2000us", w)
	}
}

func TestResetAndClose(t *testing.T) {
	e := newFakeEngine()
	r := New(e, DefaultConfig())
	r.Dispatch(message.AddServo, 4, 0)
	r.Dispatch(message.AddServo, 5, 0)

	expectStatus(t, r.Dispatch(message.Reset, 0, 0), StatusOK)
	if len(r.Pins()) != 0 || len(e.outputs) != 0 {
		t.Errorf("pins left after reset: router %v, engine %d", r.Pins(), len(e.outputs))
	}

	r.Dispatch(message.AddServo, 6, 0)
	r.Close()
	if e.resets != 2 || len(r.Pins()) != 0 {
		t.Errorf("close: resets=%d pins=%v", e.resets, r.Pins())
	}
}

func TestWithPWMEngine(t *testing.T) {
	c := clock.NewSystem()
	d := gpio.NewDummy(nil)
	cfg := pwm.DefaultConfig()
	cfg.RealTime = false
	reg := pwm.NewRegistry(d, c, cfg)
	e := reg.NewEngine()
	r := New(e, DefaultConfig())
	defer r.Close()

	expectStatus(t, r.Dispatch(message.AddServo, 12, 0), StatusOK)
	expectStatus(t, r.Dispatch(message.AddServo, 99, 0), StatusFailed)
	if !reg.Running() {
		t.Error("PWM loop not running with a servo registered")
	}
	expectStatus(t, r.Dispatch(message.SetSteering, 12, 0.25), StatusOK)
	if w := e.GetServo(12).PulseWidth(); w != 1250 {
		t.Errorf("pulse %dus, want 1250us", w)
	}
	expectStatus(t, r.Dispatch(message.RemoveServo, 12, 0), StatusOK)
	if reg.Running() {
		t.Error("PWM loop still running with no servos")
	}
}

func TestWithPCA9685Engine(t *testing.T) {
	d := pca9685.Dummy()
	e, err := pca9685.NewEngine(d, 50*physic.Hertz)
	if err != nil {
		t.Fatal(err)
	}
	r := New(e, DefaultConfig())
	expectStatus(t, r.Dispatch(message.AddServo, 15, 0), StatusOK)
	expectStatus(t, r.Dispatch(message.AddServo, 16, 0), StatusFailed)
	r.Close()
	if _, off, _ := d.Pulse(15); off != pca9685.FullOff {
		t.Errorf("channel 15 off count %#x after close, want full off", off)
	}
}
