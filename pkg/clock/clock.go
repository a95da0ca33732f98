package clock

import (
	"sync/atomic"
	"time"
)

// Clock is a free-running monotonic microsecond counter with an arbitrary
// epoch.  Now must not block; it is read from the real-time PWM loop.
type Clock interface {
	Now() uint64
}

type System struct {
	epoch time.Time
}

func NewSystem() *System {
	return &System{epoch: time.Now()}
}

// Now returns microseconds since the clock was created.  time.Since uses the
// monotonic reading, so wall clock steps don't affect it.
func (s *System) Now() uint64 {
	return uint64(time.Since(s.epoch) / time.Microsecond)
}

// Manual only moves when told to.  Used by tests.
type Manual struct {
	now uint64
}

func (m *Manual) Now() uint64 {
	return atomic.LoadUint64(&m.now)
}

func (m *Manual) Advance(micros uint64) {
	atomic.AddUint64(&m.now, micros)
}

func (m *Manual) Set(micros uint64) {
	atomic.StoreUint64(&m.now, micros)
}

// Since returns the microseconds elapsed on c since start.
func Since(c Clock, start uint64) uint64 {
	return c.Now() - start
}

var _ Clock = (*System)(nil)
var _ Clock = (*Manual)(nil)
