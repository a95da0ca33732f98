package pwm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/physic"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
	"github.com/petiaccja/raspberry-rc/pkg/gpio"
	"github.com/petiaccja/raspberry-rc/pkg/servo"
	"github.com/petiaccja/raspberry-rc/pkg/spinlock"
)

var (
	ErrPinInUse    = errors.New("pin already in use")
	ErrPinNotFound = errors.New("pin not found")
	ErrTaskSpawn   = errors.New("failed to start real-time PWM loop")
)

const DefaultFrequency = 50 * physic.Hertz

type Config struct {
	// Frequency of the servo frame; 50Hz gives the usual 20ms period.
	Frequency physic.Frequency

	// RealTime locks the loop's OS thread into memory and asks for SCHED_FIFO
	// at Priority.  With RequireRealTime a refusal fails AddServo instead of
	// falling back to normal scheduling.
	RealTime        bool
	Priority        int
	RequireRealTime bool

	// ProfileSamples is the profiler channel capacity; 0 disables profiling.
	ProfileSamples int
}

func DefaultConfig() Config {
	return Config{
		Frequency: DefaultFrequency,
		RealTime:  true,
		Priority:  99,
	}
}

// Registry is the set of servos being driven on one GPIO driver, shared by
// any number of Engine handles.  The real-time loop runs exactly while the
// registry is non-empty.
type Registry struct {
	driver gpio.Driver
	clock  clock.Clock
	cfg    Config
	period uint64 // microseconds

	// lock guards everything below.  The real-time loop takes it only to
	// copy pulse widths out.
	lock   spinlock.Lock
	servos map[uint32]*servo.Output
	order  []uint32 // insertion order, the order pins are switched on
	stop   chan struct{}
	done   chan struct{}

	profiler *Profiler

	// Swapped out by tests to simulate a refused priority change.
	elevate func(priority int) error

	// Serialises whole add/remove operations between control goroutines so
	// that starting and stopping the loop never overlap.
	lifecycle sync.Mutex
}

func NewRegistry(driver gpio.Driver, c clock.Clock, cfg Config) *Registry {
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency
	}
	r := &Registry{
		driver:  driver,
		clock:   c,
		cfg:     cfg,
		period:  periodMicros(cfg.Frequency),
		servos:  map[uint32]*servo.Output{},
		elevate: elevatePriority,
	}
	if cfg.ProfileSamples > 0 {
		r.profiler = NewProfiler(cfg.ProfileSamples)
	}
	return r
}

func periodMicros(f physic.Frequency) uint64 {
	// physic.Frequency counts micro-hertz.
	return uint64(int64(physic.Hertz) * 1000000 / int64(f))
}

// Period is the cycle length in microseconds.
func (r *Registry) Period() uint64 {
	return r.period
}

// NewEngine returns a handle owning no pins yet.
func (r *Registry) NewEngine() *Engine {
	return &Engine{
		reg:  r,
		pins: map[uint32]struct{}{},
	}
}

// Profiler is nil unless Config.ProfileSamples was set.
func (r *Registry) Profiler() *Profiler {
	return r.profiler
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.servos)
}

func (r *Registry) Running() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stop != nil
}

// add registers pin.  Caller holds lifecycle.
func (r *Registry) add(pin uint32, out *servo.Output) error {
	if err := gpio.CheckPin(pin); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.servos[pin]; ok {
		return errors.Wrapf(ErrPinInUse, "pin %d", pin)
	}
	if err := r.driver.Configure(pin, gpio.Output); err != nil {
		return errors.Wrapf(err, "failed to configure pin %d", pin)
	}
	r.servos[pin] = out
	r.order = append(r.order, pin)

	if len(r.servos) == 1 {
		if err := r.startLocked(); err != nil {
			delete(r.servos, pin)
			r.order = r.order[:0]
			return errors.Wrap(ErrTaskSpawn, err.Error())
		}
	}
	return nil
}

// remove drops the given pins and leaves them low.  Caller holds lifecycle.
func (r *Registry) remove(pins ...uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, pin := range pins {
		if _, ok := r.servos[pin]; !ok {
			continue
		}
		delete(r.servos, pin)
		for i, p := range r.order {
			if p == pin {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	if len(r.servos) == 0 {
		r.stopLocked()
	}
	// The loop clears whatever it sets within a cycle, so once the pins are
	// out of the registry this is the last edge they see.
	for _, pin := range pins {
		r.driver.Clear(pin)
	}
}

func (r *Registry) lookup(pin uint32) *servo.Output {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.servos[pin]
}

func (r *Registry) startLocked() error {
	stop := make(chan struct{})
	done := make(chan struct{})
	if err := r.spawn(stop, done); err != nil {
		return err
	}
	r.stop, r.done = stop, done
	return nil
}

// stopLocked tells the loop to exit and waits for it.  The loop gives up on
// the registry lock as soon as it sees stop, so waiting here while holding
// the lock can't deadlock.
func (r *Registry) stopLocked() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop, r.done = nil, nil
}

func (r *Registry) String() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return fmt.Sprintf("registry(%d servos, running=%v)", len(r.servos), r.stop != nil)
}
