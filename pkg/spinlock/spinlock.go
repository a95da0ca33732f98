// Package spinlock is a test-and-set lock for the path between the real-time
// PWM loop and the control goroutine.
//
// The lock has no owner: it is not reentrant and may be unlocked by a
// goroutine other than the one that locked it.
package spinlock

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Number of bare spins before Lock starts sleeping between attempts.
const spinsBeforeSleep = 64

type Lock struct {
	held atomic.Bool
}

func (l *Lock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Lock spins briefly, then sleeps for a microsecond between attempts, doubling
// up to 100us.
func (l *Lock) Lock() {
	for i := 0; i < spinsBeforeSleep; i++ {
		if l.TryLock() {
			return
		}
		runtime.Gosched()
	}
	backoff := time.Microsecond
	for !l.TryLock() {
		time.Sleep(backoff)
		if backoff < 100*time.Microsecond {
			backoff *= 2
		}
	}
}

func (l *Lock) Unlock() {
	if !l.held.CompareAndSwap(true, false) {
		panic("spinlock: unlock of unlocked lock")
	}
}
