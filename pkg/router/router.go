// Package router turns servo instructions from the network into calls on a
// PWM engine and the governors that smooth each pin's steering.
package router

import (
	"fmt"
	"log"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/petiaccja/raspberry-rc/pkg/governor"
	"github.com/petiaccja/raspberry-rc/pkg/message"
	"github.com/petiaccja/raspberry-rc/pkg/servo"
)

// Engine is implemented by pwm.Engine and pca9685.Engine.
type Engine interface {
	AddServo(pin uint32, steering, minWidth, maxWidth float32) (*servo.Output, error)
	RemoveServo(pin uint32) error
	Reset()
}

type Status int

const (
	StatusOK          Status = 0
	StatusFailed      Status = -1
	StatusUnsupported Status = -2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config holds what newly added servos start with.
type Config struct {
	MinWidth float32
	MaxWidth float32
	Neutral  float32
}

func DefaultConfig() Config {
	return Config{
		MinWidth: servo.DefaultMinWidth,
		MaxWidth: servo.DefaultMaxWidth,
		Neutral:  governor.DefaultNeutral,
	}
}

// Router is not safe for concurrent use; the session's control goroutine
// owns it.
type Router struct {
	engine    Engine
	cfg       Config
	governors map[uint32]*governor.Governor
}

func New(engine Engine, cfg Config) *Router {
	return &Router{
		engine:    engine,
		cfg:       cfg,
		governors: map[uint32]*governor.Governor{},
	}
}

// Dispatch applies one instruction to pin.  value is the instruction's float
// parameter and is ignored where it has no meaning.
func (r *Router) Dispatch(instr message.Instruction, pin uint32, value float32) Status {
	switch instr {
	case message.AddServo:
		return r.add(pin)
	case message.RemoveServo:
		return r.remove(pin)
	case message.Reset:
		r.reset()
		return StatusOK
	}

	g, ok := r.governors[pin]
	if !ok {
		switch instr {
		case message.SetMinWidth, message.SetMaxWidth, message.SetSteering,
			message.SetSmoothing, message.SetDefaultSteering:
			return StatusFailed
		}
		return StatusUnsupported
	}
	switch instr {
	case message.SetMinWidth:
		g.Output().SetMinWidth(value)
	case message.SetMaxWidth:
		g.Output().SetMaxWidth(value)
	case message.SetSteering:
		g.SetSteering(value)
	case message.SetSmoothing:
		g.SetSmoothing(value)
	case message.SetDefaultSteering:
		g.SetNeutral(value)
	default:
		return StatusUnsupported
	}
	return StatusOK
}

func (r *Router) add(pin uint32) Status {
	if _, ok := r.governors[pin]; ok {
		return StatusFailed
	}
	out, err := r.engine.AddServo(pin, r.cfg.Neutral, r.cfg.MinWidth, r.cfg.MaxWidth)
	if err != nil {
		log.Println("ROUTER: add servo failed:", err)
		return StatusFailed
	}
	r.governors[pin] = governor.New(out, r.cfg.Neutral, 0, r.cfg.Neutral)
	return StatusOK
}

func (r *Router) remove(pin uint32) Status {
	if _, ok := r.governors[pin]; !ok {
		return StatusFailed
	}
	delete(r.governors, pin)
	if err := r.engine.RemoveServo(pin); err != nil {
		log.Println("ROUTER: remove servo failed:", err)
		return StatusFailed
	}
	return StatusOK
}

func (r *Router) reset() {
	r.engine.Reset()
	maps.Clear(r.governors)
}

// Suspend puts every servo back to its neutral steering.  Called when the
// link has gone quiet.
func (r *Router) Suspend() {
	for _, g := range r.governors {
		g.Reset()
	}
}

// Update advances every governor's smoothing by elapsed seconds and reports
// whether any of them is still moving.
func (r *Router) Update(elapsed float32) bool {
	moving := false
	for _, g := range r.governors {
		if g.Update(elapsed) {
			moving = true
		}
	}
	return moving
}

// Governor returns nil for pins that aren't registered.
func (r *Router) Governor(pin uint32) *governor.Governor {
	return r.governors[pin]
}

// Pins in ascending order.
func (r *Router) Pins() []uint32 {
	pins := maps.Keys(r.governors)
	slices.Sort(pins)
	return pins
}

// Close removes every servo from the engine.
func (r *Router) Close() {
	r.reset()
}
