// Package servo holds the state of one hobby servo output: a steering ratio
// and the pulse widths it maps onto.
package servo

import (
	"fmt"

	"github.com/petiaccja/raspberry-rc/pkg/spinlock"
)

const (
	DefaultSteering = 0.5
	DefaultMinWidth = 1000 // microseconds
	DefaultMaxWidth = 2000 // microseconds
)

// Output is safe for concurrent use; the PWM loop reads PulseWidth while the
// control goroutine steers.
type Output struct {
	lock spinlock.Lock

	steering float32 // 0..1, 0.5 = neutral
	minWidth float32 // microseconds
	maxWidth float32 // microseconds, always > minWidth
}

// New builds an Output.  Out of range values are fixed up the same way the
// setters fix them.
func New(steering, minWidth, maxWidth float32) *Output {
	o := &Output{
		minWidth: DefaultMinWidth,
		maxWidth: DefaultMaxWidth,
	}
	// Go through the setters in an order that can't trip the min<max repair
	// when the requested range lies entirely outside the default one.
	if minWidth >= o.maxWidth {
		o.SetMaxWidth(maxWidth)
		o.SetMinWidth(minWidth)
	} else {
		o.SetMinWidth(minWidth)
		o.SetMaxWidth(maxWidth)
	}
	o.SetSteering(steering)
	return o
}

func NewDefault() *Output {
	return New(DefaultSteering, DefaultMinWidth, DefaultMaxWidth)
}

// PulseWidth is the high time for the current state in whole microseconds.
func (o *Output) PulseWidth() uint32 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return uint32((o.maxWidth-o.minWidth)*o.steering + o.minWidth + 0.5)
}

func (o *Output) SetSteering(steering float32) {
	// NaN compares false against everything; treat it as neutral.
	if steering != steering {
		steering = DefaultSteering
	}
	if steering < 0 {
		steering = 0
	} else if steering > 1 {
		steering = 1
	}
	o.lock.Lock()
	o.steering = steering
	o.lock.Unlock()
}

// SetMinWidth clamps negative widths to 0.  A minimum at or above the current
// maximum pushes the maximum up to min+1.
func (o *Output) SetMinWidth(micros float32) {
	if micros != micros || micros < 0 {
		micros = 0
	}
	o.lock.Lock()
	if micros >= o.maxWidth {
		o.maxWidth = micros + 1
	}
	o.minWidth = micros
	o.lock.Unlock()
}

// SetMaxWidth clamps negative widths to 1.  A maximum at or below the current
// minimum pulls the minimum down to max-1, but never below 0.
func (o *Output) SetMaxWidth(micros float32) {
	if micros != micros || micros < 0 {
		micros = 1
	}
	o.lock.Lock()
	if micros <= o.minWidth {
		o.minWidth = micros - 1
		if o.minWidth < 0 {
			o.minWidth = 0
			micros = 1
		}
	}
	o.maxWidth = micros
	o.lock.Unlock()
}

func (o *Output) Steering() float32 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.steering
}

func (o *Output) MinWidth() float32 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.minWidth
}

func (o *Output) MaxWidth() float32 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.maxWidth
}

func (o *Output) String() string {
	o.lock.Lock()
	defer o.lock.Unlock()
	return fmt.Sprintf("steering=%.3f width=[%.0f,%.0f]us", o.steering, o.minWidth, o.maxWidth)
}
