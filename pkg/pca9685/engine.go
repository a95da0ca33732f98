package pca9685

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"periph.io/x/periph/conn/physic"

	"github.com/petiaccja/raspberry-rc/pkg/servo"
)

var (
	ErrInvalidChannel  = errors.New("channel out of range 0..15")
	ErrChannelInUse    = errors.New("channel already in use")
	ErrChannelNotFound = errors.New("channel not found")
)

// Engine drives servos from the chip's own PWM generator.  Channels are the
// "pins" of the other engines.  The chip keeps producing pulses on its own, so
// the refresh loop only has to push widths that changed.
type Engine struct {
	dev    Device
	period float64 // microseconds

	lock sync.Mutex
	// Desired values.  written holds the off count last sent per channel.
	outputs map[uint32]*servo.Output
	written map[uint32]uint16
}

func NewEngine(dev Device, freq physic.Frequency) (*Engine, error) {
	if freq <= 0 {
		freq = 50 * physic.Hertz
	}
	if err := dev.Configure(freq); err != nil {
		return nil, errors.Wrap(err, "failed to configure PCA9685")
	}
	return &Engine{
		dev:     dev,
		period:  float64(physic.Hertz) * 1e6 / float64(freq),
		outputs: map[uint32]*servo.Output{},
		written: map[uint32]uint16{},
	}, nil
}

// Count converts a pulse width in microseconds to an off count.
func (e *Engine) Count(width uint32) uint16 {
	c := float64(width)*Resolution/e.period + 0.5
	if c > Resolution-1 {
		c = Resolution - 1
	}
	return uint16(c)
}

func (e *Engine) AddServo(pin uint32, steering, minWidth, maxWidth float32) (*servo.Output, error) {
	if pin >= NumChannels {
		return nil, errors.Wrapf(ErrInvalidChannel, "channel %d", pin)
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.outputs[pin]; ok {
		return nil, errors.Wrapf(ErrChannelInUse, "channel %d", pin)
	}
	out := servo.New(steering, minWidth, maxWidth)
	count := e.Count(out.PulseWidth())
	if err := e.dev.SetPulse(int(pin), 0, count); err != nil {
		return nil, errors.Wrapf(err, "failed to start channel %d", pin)
	}
	e.outputs[pin] = out
	e.written[pin] = count
	return out, nil
}

func (e *Engine) RemoveServo(pin uint32) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.outputs[pin]; !ok {
		return errors.Wrapf(ErrChannelNotFound, "channel %d", pin)
	}
	delete(e.outputs, pin)
	delete(e.written, pin)
	return e.dev.SetPulse(int(pin), 0, FullOff)
}

func (e *Engine) Reset() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for pin := range e.outputs {
		if err := e.dev.SetPulse(int(pin), 0, FullOff); err != nil {
			log.Println("PCA9685: failed to switch off channel", pin, err)
		}
	}
	maps.Clear(e.outputs)
	maps.Clear(e.written)
}

func (e *Engine) GetServo(pin uint32) *servo.Output {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.outputs[pin]
}

func (e *Engine) Pins() []uint32 {
	e.lock.Lock()
	defer e.lock.Unlock()
	pins := maps.Keys(e.outputs)
	slices.Sort(pins)
	return pins
}

// Refresh writes every channel whose pulse width moved since the last write.
func (e *Engine) Refresh() error {
	type update struct {
		channel uint32
		count   uint16
	}
	var updates []update

	e.lock.Lock()
	for pin, out := range e.outputs {
		count := e.Count(out.PulseWidth())
		if count != e.written[pin] {
			updates = append(updates, update{pin, count})
			e.written[pin] = count
		}
	}
	e.lock.Unlock()

	var firstErr error
	for _, u := range updates {
		err := e.dev.SetPulse(int(u.channel), 0, u.count)
		if err == nil {
			continue
		}
		// Force a retry next time round.
		e.lock.Lock()
		if _, ok := e.written[u.channel]; ok {
			e.written[u.channel] = FullOff
		}
		e.lock.Unlock()
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "channel %d", u.channel)
		}
	}
	return firstErr
}

// Loop refreshes the chip once per PWM period until ctx is done, then
// switches every channel off.
func (e *Engine) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer e.Reset()

	ticker := time.NewTicker(time.Duration(e.period) * time.Microsecond)
	defer ticker.Stop()

	log.Println("PCA9685: refresh loop started")
	for {
		select {
		case <-ctx.Done():
			log.Println("PCA9685: refresh loop stopped")
			return
		case <-ticker.C:
		}
		if err := e.Refresh(); err != nil {
			log.Println("PCA9685: refresh failed:", err)
		}
	}
}
