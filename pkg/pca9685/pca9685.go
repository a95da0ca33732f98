package pca9685

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
	"periph.io/x/periph/conn/physic"
)

const (
	DefaultAddr = 0x40

	RegMode1 = 0x00
	RegMode2 = 0x01

	// Each PWM output has two 16-bit (low byte first) registers.
	// First register is the on time, second is the off time.
	RegLEDBase = 0x06

	RegPreScale = 0xfe // Pre-scaler for PWM frequency.

	NumChannels = 16

	// Counts per PWM period.
	Resolution = 4096

	// Setting this bit in the off count holds the output low.
	FullOff = 0x1000

	oscillator = 25000000 // Hz
)

// Device is the part of the chip the engine needs.
type Device interface {
	Configure(freq physic.Frequency) error
	SetPulse(channel int, on, off uint16) error
	Close() error
}

type Chip struct {
	dev *i2c.Device
}

func Open(deviceFile string, addr int) (*Chip, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open PCA9685 on %s", deviceFile)
	}
	return &Chip{dev: dev}, nil
}

// PreScale is the prescaler value that gets the chip closest to freq.
func PreScale(freq physic.Frequency) byte {
	hz := float64(freq) / float64(physic.Hertz)
	v := math.Round(oscillator/(Resolution*hz)) - 1
	if v < 3 {
		v = 3
	} else if v > 255 {
		v = 255
	}
	return byte(v)
}

func (c *Chip) Configure(freq physic.Frequency) (err error) {
	// Put device to sleep; the prescaler can only be written while asleep.
	err = c.dev.WriteReg(RegMode1, []byte{0x11})
	if err != nil {
		return
	}
	err = c.dev.WriteReg(RegPreScale, []byte{PreScale(freq)})
	if err != nil {
		return
	}
	// Trigger a reset
	err = c.dev.WriteReg(RegMode1, []byte{0x01})
	if err != nil {
		return
	}
	// Required delay after reset.
	time.Sleep(1 * time.Millisecond)
	// Enable, with register auto-increment.
	err = c.dev.WriteReg(RegMode1, []byte{0xa1})
	return
}

func (c *Chip) SetPulse(channel int, on, off uint16) error {
	if channel < 0 || channel >= NumChannels {
		return errors.Wrapf(ErrInvalidChannel, "channel %d", channel)
	}
	addr := RegLEDBase + channel*4
	return c.dev.WriteReg(byte(addr), []byte{byte(on), byte(on >> 8), byte(off), byte(off >> 8)})
}

func (c *Chip) Close() error {
	return c.dev.Close()
}

// DummyDevice remembers what was written to it.
type DummyDevice struct {
	lock     sync.Mutex
	prescale byte
	pulses   map[int][2]uint16
	writes   int
	closed   bool
}

func Dummy() *DummyDevice {
	return &DummyDevice{pulses: map[int][2]uint16{}}
}

func (d *DummyDevice) Configure(freq physic.Frequency) error {
	log.Printf("DPCA9685: Configure freq=%v", freq)
	d.lock.Lock()
	d.prescale = PreScale(freq)
	d.lock.Unlock()
	return nil
}

func (d *DummyDevice) SetPulse(channel int, on, off uint16) error {
	if channel < 0 || channel >= NumChannels {
		return errors.Wrapf(ErrInvalidChannel, "channel %d", channel)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.pulses[channel] = [2]uint16{on, off}
	d.writes++
	return nil
}

// Pulse returns the last on/off counts written to channel.
func (d *DummyDevice) Pulse(channel int) (on, off uint16, ok bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	p, ok := d.pulses[channel]
	return p[0], p[1], ok
}

func (d *DummyDevice) Writes() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.writes
}

func (d *DummyDevice) PreScale() byte {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.prescale
}

func (d *DummyDevice) Close() error {
	d.lock.Lock()
	d.closed = true
	d.lock.Unlock()
	return nil
}

var (
	_ Device = (*Chip)(nil)
	_ Device = (*DummyDevice)(nil)
)
