package gpio

import (
	"fmt"

	"github.com/pkg/errors"
	pgpio "periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// Periph drives pins through periph's host drivers.  Slower per edge than
// Rpio but works on any board periph knows about.
type Periph struct {
	// Filled in by Configure, which the PWM engine calls before the pin
	// becomes visible to the real-time loop.
	pins [NumPins]pgpio.PinIO
}

func OpenPeriph() (*Periph, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialise periph host drivers")
	}
	return &Periph{}, nil
}

func (p *Periph) Configure(pin uint32, mode Mode) error {
	if err := CheckPin(pin); err != nil {
		return err
	}
	io := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if io == nil {
		return errors.Wrapf(ErrNoSuchPin, "GPIO%d", pin)
	}
	var err error
	switch mode {
	case Output:
		err = io.Out(pgpio.Low)
	case Input:
		err = io.In(pgpio.PullNoChange, pgpio.NoEdge)
	default:
		return errors.Errorf("unsupported pin mode %v", mode)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to configure GPIO%d as %v", pin, mode)
	}
	p.pins[pin] = io
	return nil
}

func (p *Periph) Set(pin uint32) {
	if io := p.pins[pin]; io != nil {
		_ = io.Out(pgpio.High)
	}
}

func (p *Periph) Clear(pin uint32) {
	if io := p.pins[pin]; io != nil {
		_ = io.Out(pgpio.Low)
	}
}

func (p *Periph) Read(pin uint32) bool {
	if io := p.pins[pin]; io != nil {
		return io.Read() == pgpio.High
	}
	return false
}

func (p *Periph) Close() error {
	return nil
}

var _ Driver = (*Periph)(nil)
