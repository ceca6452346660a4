// Package reset implements the three-phase reset protocol shared by buses,
// devices and machines.
//
// A reset walks a tree of Resettable objects. The enter phase runs top
// down, the hold phase runs once every child has entered and held, and the
// exit phase runs top down again. Nested resets of an object that is
// already in reset only adjust its depth counter.
package reset

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/tinyrange/qdev/internal/object"
)

// TypeResettable is the interface name objects list to take part in
// resets.
const TypeResettable = "resettable"

// maxDepth bounds the in-reset counter. Exceeding it means the reset tree
// contains a cycle.
const maxDepth = 50

// Type distinguishes power-on resets from partial ones. The protocol only
// passes it through to the phase hooks.
type Type int

const (
	Cold Type = iota
	Warm
)

func (t Type) String() string {
	switch t {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	}
	return fmt.Sprintf("reset(%d)", int(t))
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEnter
	PhaseHold
	PhaseExit
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEnter:
		return "entering"
	case PhaseHold:
		return "holding"
	case PhaseExit:
		return "exiting"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is the per-object bookkeeping embedded in every Resettable.
type State struct {
	count          int
	holdPending    bool
	exitInProgress bool
	phase          Phase
}

// Count is the reset depth.
func (s *State) Count() int { return s.count }

func (s *State) Phase() Phase { return s.phase }

// Resettable is the Go side of TypeResettable.
type Resettable interface {
	object.Instance
	ResetState() *State
}

// Enterer resets local state. It must not touch other objects.
type Enterer interface {
	ResetEnter(t Type)
}

// Holder runs once the object and all its children have entered reset.
type Holder interface {
	ResetHold(t Type)
}

// Exiter runs when the object leaves reset.
type Exiter interface {
	ResetExit(t Type)
}

// Parent exposes the children that are reset along with an object.
type Parent interface {
	ResetChildForeach(fn func(child Resettable), t Type)
}

// LegacyResetter is a single-shot reset callback, run in the hold phase
// for objects without phase hooks.
type LegacyResetter interface {
	Reset()
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:        TypeResettable,
			Parent:      object.TypeInterface,
			GoInterface: reflect.TypeFor[Resettable](),
		})
	})
}

// Cast returns obj as a Resettable when its type lists TypeResettable.
func Cast(obj object.Instance) (Resettable, bool) {
	return object.As[Resettable](obj, TypeResettable)
}

// Reset runs a full reset of obj and its reset children.
func Reset(obj Resettable, t Type) {
	slog.Debug("reset: start", "path", object.CanonicalPath(obj), "type", t)
	Assert(obj, t)
	Release(obj, t)
	slog.Debug("reset: done", "path", object.CanonicalPath(obj), "type", t)
}

// Assert puts obj in reset and keeps it there until Release. The enter
// and hold phases run before Assert returns.
func Assert(obj Resettable, t Type) {
	enter(obj, t)
	hold(obj, t)
}

// Release runs the exit phase for a previous Assert.
func Release(obj Resettable, t Type) {
	exit(obj, t)
}

// IsInReset reports whether obj is between the start of its enter phase
// and the end of its exit phase.
func IsInReset(obj Resettable) bool {
	return obj.ResetState().count > 0
}

func forEachChild(obj Resettable, t Type, fn func(Resettable, Type)) {
	if p, ok := obj.(Parent); ok {
		p.ResetChildForeach(func(child Resettable) { fn(child, t) }, t)
	}
}

func hasPhases(obj Resettable) bool {
	_, e := obj.(Enterer)
	_, h := obj.(Holder)
	_, x := obj.(Exiter)
	return e || h || x
}

func enter(obj Resettable, t Type) {
	s := obj.ResetState()
	if s.exitInProgress {
		object.Fatalf("reset enter", "%q re-entered reset during its exit phase", object.CanonicalPath(obj))
	}
	first := s.count == 0
	s.count++
	if s.count > maxDepth {
		object.Fatalf("reset enter", "%q reset depth exceeds %d, reset tree has a cycle",
			object.CanonicalPath(obj), maxDepth)
	}
	if first {
		s.phase = PhaseEnter
		if e, ok := obj.(Enterer); ok {
			e.ResetEnter(t)
		}
		s.holdPending = true
	}
	// Children are entered even when obj was already in reset so their
	// counters stay in step with the parent's.
	forEachChild(obj, t, enter)
}

func hold(obj Resettable, t Type) {
	forEachChild(obj, t, hold)

	s := obj.ResetState()
	if !s.holdPending {
		return
	}
	s.holdPending = false
	s.phase = PhaseHold
	if h, ok := obj.(Holder); ok {
		h.ResetHold(t)
	} else if l, ok := obj.(LegacyResetter); ok && !hasPhases(obj) {
		l.Reset()
	}
}

func exit(obj Resettable, t Type) {
	s := obj.ResetState()
	if s.count == 0 {
		object.Fatalf("reset exit", "%q released without a matching assert", object.CanonicalPath(obj))
	}
	s.count--
	if s.count == 0 {
		s.exitInProgress = true
		s.phase = PhaseExit
		if x, ok := obj.(Exiter); ok {
			x.ResetExit(t)
		}
		s.exitInProgress = false
		s.phase = PhaseIdle
	}
	forEachChild(obj, t, exit)
}
