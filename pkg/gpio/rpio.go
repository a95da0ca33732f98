package gpio

import (
	"log"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

var registers = &sharedResource{
	open:  rpio.Open,
	close: rpio.Close,
}

// Rpio drives the BCM283x GPIO registers through go-rpio's memory mapping.
// Every handle holds one reference on the shared mapping.
type Rpio struct {
	released atomic.Bool
}

func OpenRpio() (*Rpio, error) {
	if err := registers.acquire(); err != nil {
		return nil, errors.Wrap(err, "failed to map GPIO registers, are you root?")
	}
	log.Println("GPIO: register block mapped, handles:", registers.refs())
	return &Rpio{}, nil
}

func (r *Rpio) Configure(pin uint32, mode Mode) error {
	if err := CheckPin(pin); err != nil {
		return err
	}
	switch mode {
	case Output:
		rpio.Pin(pin).Output()
	case Input:
		rpio.Pin(pin).Input()
	default:
		return errors.Errorf("unsupported pin mode %v", mode)
	}
	return nil
}

func (r *Rpio) Set(pin uint32) {
	rpio.Pin(pin).High()
}

func (r *Rpio) Clear(pin uint32) {
	rpio.Pin(pin).Low()
}

func (r *Rpio) Read(pin uint32) bool {
	return rpio.Pin(pin).Read() == rpio.High
}

// Close releases this handle's reference; calling it twice is a no-op.
func (r *Rpio) Close() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	return registers.release()
}

var _ Driver = (*Rpio)(nil)
