// Package chipset holds the board interrupt fabric: numbered lines whose
// level changes reach an interrupt sink.
package chipset

// LineInterrupt is one end of an interrupt line. Level-triggered users call
// SetLevel; edge-triggered users call PulseInterrupt.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// InterruptSink is whatever consumes the lines of a LineSet, usually an
// interrupt controller model.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// InterruptSinkFunc lets a plain function act as an InterruptSink.
type InterruptSinkFunc func(line uint32, level bool)

func (f InterruptSinkFunc) SetIRQ(line uint32, level bool) { f(line, level) }
