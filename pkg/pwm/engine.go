package pwm

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/petiaccja/raspberry-rc/pkg/servo"
)

// Engine is one client's view of a Registry.  It only ever removes the pins
// it added itself.  An Engine is not safe for concurrent use; separate
// Engines on the same Registry are.
type Engine struct {
	reg  *Registry
	pins map[uint32]struct{}
}

// AddServo starts driving pin with the given steering and pulse range.  The
// first servo in the registry starts the real-time loop.
func (e *Engine) AddServo(pin uint32, steering, minWidth, maxWidth float32) (*servo.Output, error) {
	out := servo.New(steering, minWidth, maxWidth)

	e.reg.lifecycle.Lock()
	defer e.reg.lifecycle.Unlock()
	if err := e.reg.add(pin, out); err != nil {
		return nil, err
	}
	e.pins[pin] = struct{}{}
	return out, nil
}

// RemoveServo stops driving pin and leaves it low.  The last servo out stops
// the real-time loop.
func (e *Engine) RemoveServo(pin uint32) error {
	if _, ok := e.pins[pin]; !ok {
		return errors.Wrapf(ErrPinNotFound, "pin %d", pin)
	}
	e.reg.lifecycle.Lock()
	defer e.reg.lifecycle.Unlock()
	e.reg.remove(pin)
	delete(e.pins, pin)
	return nil
}

// Reset removes every servo this engine added.
func (e *Engine) Reset() {
	if len(e.pins) == 0 {
		return
	}
	pins := e.Pins()
	e.reg.lifecycle.Lock()
	defer e.reg.lifecycle.Unlock()
	e.reg.remove(pins...)
	for _, pin := range pins {
		delete(e.pins, pin)
	}
}

// GetServo returns nil unless this engine owns pin.
func (e *Engine) GetServo(pin uint32) *servo.Output {
	if _, ok := e.pins[pin]; !ok {
		return nil
	}
	return e.reg.lookup(pin)
}

// Pins owned by this engine, in ascending order.
func (e *Engine) Pins() []uint32 {
	pins := make([]uint32, 0, len(e.pins))
	for pin := range e.pins {
		pins = append(pins, pin)
	}
	slices.Sort(pins)
	return pins
}
