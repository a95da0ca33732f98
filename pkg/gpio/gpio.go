package gpio

import (
	"fmt"

	"github.com/pkg/errors"
)

// NumPins is the number of GPIO lines on the BCM283x register block.
const NumPins = 54

type Mode int

const (
	Input Mode = iota
	Output
)

func (m Mode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

var (
	ErrInvalidPin = errors.New("pin out of range 0..53")
	ErrNoSuchPin  = errors.New("pin not available on this host")
)

// Driver sets/clears/reads GPIO lines by number.  Set and Clear sit on the
// real-time path so they don't return errors.
type Driver interface {
	Configure(pin uint32, mode Mode) error
	Set(pin uint32)
	Clear(pin uint32)
	Read(pin uint32) bool
	Close() error
}

func CheckPin(pin uint32) error {
	if pin >= NumPins {
		return errors.Wrapf(ErrInvalidPin, "pin %d", pin)
	}
	return nil
}

// Open returns the driver for the named backend: "rpio", "periph" or "dummy".
func Open(backend string) (Driver, error) {
	switch backend {
	case "rpio", "":
		return OpenRpio()
	case "periph":
		return OpenPeriph()
	case "dummy":
		return NewDummy(nil), nil
	default:
		return nil, errors.Errorf("unknown GPIO backend %q", backend)
	}
}
