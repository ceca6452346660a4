package chipset

import (
	"log/slog"
	"sort"
	"sync"
)

// LineSet is the board-level interrupt fabric: a numbered set of input
// lines whose level changes are forwarded to a sink, typically the
// interrupt controller model or a recorder.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint32]*lineState
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of a line. Unknown lines are low.
func (l *LineSet) Level(irq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && state.level
}

// Pulses reports how many edge-triggered pulses a line has seen.
func (l *LineSet) Pulses(irq uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		return state.pulses
	}
	return 0
}

// Asserted returns the lines currently held high, in ascending order.
func (l *LineSet) Asserted() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint32
	for irq, state := range l.lines {
		if state.level {
			out = append(out, irq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset drops every line low without notifying the sink.
func (l *LineSet) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, state := range l.lines {
		state.level = false
	}
}

type lineState struct {
	level  bool
	pulses int
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		slog.Debug("chipset: irq level", "irq", irq, "level", high)
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint32) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	state.pulses++
	l.mu.Unlock()

	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
