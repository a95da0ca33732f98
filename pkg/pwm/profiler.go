package pwm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Sample is one pulse's intended and actual falling edge, in clock
// microseconds.
type Sample struct {
	Pin      uint32
	Intended uint64
	Actual   uint64
}

// Error is how late the edge was.  Edges are never early.
func (s Sample) Error() uint64 {
	if s.Actual < s.Intended {
		return 0
	}
	return s.Actual - s.Intended
}

// Profiler collects edge timings from the real-time loop.  The loop never
// blocks on it: when the channel is full the sample is counted and dropped.
// All methods are safe on a nil Profiler.
type Profiler struct {
	samples chan Sample

	dropped atomic.Uint64
	misses  atomic.Uint64
	faults  atomic.Uint64

	mu    sync.Mutex
	stats Stats
}

func NewProfiler(capacity int) *Profiler {
	return &Profiler{
		samples: make(chan Sample, capacity),
		stats:   Stats{Distribution: map[uint64]int{}},
	}
}

func (p *Profiler) record(s Sample) {
	if p == nil {
		return
	}
	select {
	case p.samples <- s:
	default:
		p.dropped.Add(1)
	}
}

func (p *Profiler) missed() {
	if p != nil {
		p.misses.Add(1)
	}
}

func (p *Profiler) fault() {
	if p != nil {
		p.faults.Add(1)
	}
}

// Stats summarises every sample drained so far.
type Stats struct {
	Count     int
	MaxError  uint64
	MeanError float64
	// Distribution maps a lateness in microseconds to how often it happened.
	Distribution map[uint64]int

	Missed  uint64 // deadline had already passed before the edge was due
	Faults  uint64 // deadline implausibly far away
	Dropped uint64 // samples lost to a full channel
}

// Stats drains whatever samples are waiting and returns running totals.
func (p *Profiler) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.stats.MeanError * float64(p.stats.Count)
	for {
		var s Sample
		select {
		case s = <-p.samples:
		default:
			if p.stats.Count > 0 {
				p.stats.MeanError = total / float64(p.stats.Count)
			}
			out := p.stats
			out.Distribution = make(map[uint64]int, len(p.stats.Distribution))
			for k, v := range p.stats.Distribution {
				out.Distribution[k] = v
			}
			out.Missed = p.misses.Load()
			out.Faults = p.faults.Load()
			out.Dropped = p.dropped.Load()
			return out
		}
		e := s.Error()
		p.stats.Count++
		p.stats.Distribution[e]++
		if e > p.stats.MaxError {
			p.stats.MaxError = e
		}
		total += float64(e)
	}
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "samples=%d max=%dus mean=%.2fus missed=%d faults=%d dropped=%d",
		s.Count, s.MaxError, s.MeanError, s.Missed, s.Faults, s.Dropped)
	keys := make([]uint64, 0, len(s.Distribution))
	for k := range s.Distribution {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %4dus: %d", k, s.Distribution[k])
	}
	return b.String()
}
