// Package governor rate-limits how fast a servo follows its commanded
// steering.  With smoothing s seconds a full step from the previous target to
// the new one takes s seconds, so a throttle slammed to the floor spins the
// motor up gradually.
package governor

import "github.com/petiaccja/raspberry-rc/pkg/servo"

const (
	DefaultNeutral = 0.5
	MinSmoothing   = 0.01 // seconds
)

type Governor struct {
	out *servo.Output

	neutral float32 // applied by Reset, e.g. when the link goes quiet

	target  float32
	current float32
	last    float32 // previous target; the ramp runs from here to target

	smoothing float32 // seconds to go from last to target
	enabled   bool
}

func New(out *servo.Output, steering, smoothing, neutral float32) *Governor {
	g := &Governor{
		out:     out,
		neutral: DefaultNeutral,
		target:  DefaultNeutral,
		current: DefaultNeutral,
		last:    DefaultNeutral,
	}
	g.SetNeutral(neutral)
	// Smoothing starts off so the output snaps to the initial steering.
	g.SetSteering(steering)
	g.SetSmoothing(smoothing)
	return g
}

// Update advances the ramp by elapsed seconds.  It returns false once current
// has reached target, or straight away when smoothing is off.
func (g *Governor) Update(elapsed float32) bool {
	if !g.enabled {
		g.current = g.target
		g.out.SetSteering(g.current)
		return false
	}
	g.current += (g.target - g.last) * elapsed / g.smoothing
	converged := (g.target >= g.last && g.current >= g.target) ||
		(g.target <= g.last && g.current <= g.target)
	lo, hi := g.last, g.target
	if lo > hi {
		lo, hi = hi, lo
	}
	if g.current < lo {
		g.current = lo
	} else if g.current > hi {
		g.current = hi
	}
	g.out.SetSteering(g.current)
	return !converged
}

// SetSteering sets a new target, clamped to [0, 1] with NaN taken as
// neutral.  The ramp restarts from the previous target, not from where
// current has got to.
func (g *Governor) SetSteering(target float32) {
	target = clampUnit(target, g.neutral)
	g.last = g.target
	g.target = target
	if !g.enabled {
		g.current = target
		g.out.SetSteering(target)
	}
}

// SetSmoothing takes a time constant in seconds.  Zero or negative turns
// smoothing off; anything else is clamped to at least MinSmoothing.
func (g *Governor) SetSmoothing(seconds float32) {
	g.enabled = seconds > 0
	if seconds < MinSmoothing {
		seconds = MinSmoothing
	}
	g.smoothing = seconds
}

// Reset snaps the servo to the neutral steering.
func (g *Governor) Reset() {
	g.target = g.neutral
	g.last = g.neutral
	g.current = g.neutral
	g.out.SetSteering(g.neutral)
}

func (g *Governor) SetNeutral(neutral float32) {
	g.neutral = clampUnit(neutral, DefaultNeutral)
}

func clampUnit(v, nan float32) float32 {
	switch {
	case v != v:
		return nan
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func (g *Governor) Steering() float32 {
	return g.target
}

func (g *Governor) Current() float32 {
	return g.current
}

// Smoothing returns the time constant, or 0 when smoothing is off.
func (g *Governor) Smoothing() float32 {
	if !g.enabled {
		return 0
	}
	return g.smoothing
}

func (g *Governor) Neutral() float32 {
	return g.neutral
}

func (g *Governor) Output() *servo.Output {
	return g.out
}
