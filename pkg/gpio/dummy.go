package gpio

import (
	"log"
	"sync"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
)

// Edge is one level change seen by the Dummy driver.
type Edge struct {
	Pin  uint32
	High bool
	At   uint64
}

// Dummy keeps pin levels in memory.  With a clock it also records every edge,
// which is how the PWM tests look at the waveform.
type Dummy struct {
	lock   sync.Mutex
	clock  clock.Clock
	modes  map[uint32]Mode
	levels [NumPins]bool
	edges  []Edge
	closed bool
}

func NewDummy(c clock.Clock) *Dummy {
	return &Dummy{
		clock: c,
		modes: map[uint32]Mode{},
	}
}

func (d *Dummy) Configure(pin uint32, mode Mode) error {
	if err := CheckPin(pin); err != nil {
		return err
	}
	log.Printf("DGPIO: Configure pin=%v mode=%v", pin, mode)
	d.lock.Lock()
	d.modes[pin] = mode
	d.lock.Unlock()
	return nil
}

func (d *Dummy) Set(pin uint32) {
	d.write(pin, true)
}

func (d *Dummy) Clear(pin uint32) {
	d.write(pin, false)
}

func (d *Dummy) write(pin uint32, high bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if pin >= NumPins {
		return
	}
	d.levels[pin] = high
	if d.clock != nil {
		d.edges = append(d.edges, Edge{Pin: pin, High: high, At: d.clock.Now()})
	}
}

func (d *Dummy) Read(pin uint32) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if pin >= NumPins {
		return false
	}
	return d.levels[pin]
}

func (d *Dummy) Mode(pin uint32) (Mode, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	m, ok := d.modes[pin]
	return m, ok
}

// Edges returns a copy of the recorded edges and forgets them.
func (d *Dummy) Edges() []Edge {
	d.lock.Lock()
	defer d.lock.Unlock()
	edges := d.edges
	d.edges = nil
	return edges
}

func (d *Dummy) Close() error {
	log.Println("DGPIO: Close")
	d.lock.Lock()
	d.closed = true
	d.lock.Unlock()
	return nil
}

func (d *Dummy) Closed() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.closed
}

var _ Driver = (*Dummy)(nil)
