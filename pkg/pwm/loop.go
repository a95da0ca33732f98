package pwm

import (
	"log"
	"runtime"
	"time"

	"golang.org/x/exp/slices"

	"github.com/petiaccja/raspberry-rc/pkg/clock"
)

// Waveform timing, all in microseconds.
const (
	stagger     = 3    // between consecutive pins switching on
	lockRetry   = 100  // sleep between attempts at the registry lock
	guardBand   = 60   // busy-wait this close to an edge instead of sleeping
	maxPulse    = 4000 // anything further away than this is a clock fault
	minCycleGap = 100  // minimum end-of-cycle sleep
)

// Pulse is one pin's share of a cycle.
type Pulse struct {
	Pin      uint32
	Width    uint32
	Deadline uint64
}

// offOrder sorts pulses by width so pins are switched off shortest first.
// Equal widths keep their switch-on order.
func offOrder(pulses []Pulse) {
	slices.SortStableFunc(pulses, func(a, b Pulse) int {
		switch {
		case a.Width < b.Width:
			return -1
		case a.Width > b.Width:
			return 1
		}
		return 0
	})
}

func (r *Registry) spawn(stop <-chan struct{}, done chan<- struct{}) error {
	ready := make(chan error, 1)
	go func() {
		// The thread is never unlocked: if its scheduling class was changed
		// it dies with the goroutine rather than going back to the pool.
		runtime.LockOSThread()
		if r.cfg.RealTime {
			if err := r.elevate(r.cfg.Priority); err != nil {
				if r.cfg.RequireRealTime {
					close(done)
					ready <- err
					return
				}
				log.Println("PWM: running without real-time priority:", err)
			}
		}
		ready <- nil
		log.Println("PWM: loop started")
		r.loop(stop)
		log.Println("PWM: loop stopped")
		close(done)
	}()
	return <-ready
}

func (r *Registry) loop(stop <-chan struct{}) {
	pulses := make([]Pulse, 0, 64)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}
		cycleStart := r.clock.Now()

		var ok bool
		pulses, ok = r.snapshot(pulses[:0], stop)
		if !ok {
			return
		}
		r.emit(pulses)

		// Wait out the rest of the frame, but always yield for a little.
		elapsed := clock.Since(r.clock, cycleStart)
		wait := uint64(minCycleGap)
		if elapsed+minCycleGap < r.period {
			wait = r.period - elapsed
		}
		timer.Reset(time.Duration(wait) * time.Microsecond)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// snapshot copies the pulse widths out of the registry.  It returns false
// if the loop was told to stop while waiting for the lock.
func (r *Registry) snapshot(pulses []Pulse, stop <-chan struct{}) ([]Pulse, bool) {
	for !r.lock.TryLock() {
		select {
		case <-stop:
			return pulses, false
		default:
		}
		time.Sleep(lockRetry * time.Microsecond)
	}
	for _, pin := range r.order {
		pulses = append(pulses, Pulse{Pin: pin, Width: r.servos[pin].PulseWidth()})
	}
	r.lock.Unlock()
	return pulses, true
}

// emit produces one cycle's worth of pulses: pins go high in order, a few
// microseconds apart, then low again as each one's deadline comes up.
func (r *Registry) emit(pulses []Pulse) {
	for i := range pulses {
		p := &pulses[i]
		r.driver.Set(p.Pin)
		p.Deadline = r.clock.Now() + uint64(p.Width)
		r.spinUntil(r.clock.Now() + stagger)
	}

	offOrder(pulses)

	for _, p := range pulses {
		now := r.clock.Now()
		if now > p.Deadline {
			r.profiler.missed()
		} else {
			remaining := p.Deadline - now
			if remaining > maxPulse {
				r.profiler.fault()
			}
			if remaining > guardBand {
				time.Sleep(time.Duration(remaining-guardBand) * time.Microsecond)
			}
			r.spinUntil(p.Deadline)
		}
		r.driver.Clear(p.Pin)
		r.profiler.record(Sample{
			Pin:      p.Pin,
			Intended: p.Deadline,
			Actual:   r.clock.Now(),
		})
	}
}

func (r *Registry) spinUntil(t uint64) {
	for r.clock.Now() < t {
	}
}
