package qdev

import (
	"github.com/tinyrange/qdev/internal/chipset"
	"github.com/tinyrange/qdev/internal/object"
)

// TypeIRQ is the object type of a single interrupt line.
const TypeIRQ = "irq"

// IRQHandler receives level changes for line n of a device's input group.
type IRQHandler func(n int, level bool)

// IRQ is one input line. Outputs of a device are slots holding the IRQ
// they are connected to. A nil IRQ drops all signals.
type IRQ struct {
	object.Object
	handler IRQHandler
	n       int
}

func (irq *IRQ) SetLevel(level bool) {
	if irq == nil || irq.handler == nil {
		return
	}
	irq.handler(irq.n, level)
}

func (irq *IRQ) Raise() { irq.SetLevel(true) }

func (irq *IRQ) Lower() { irq.SetLevel(false) }

// Pulse raises and lowers the line.
func (irq *IRQ) Pulse() {
	irq.SetLevel(true)
	irq.SetLevel(false)
}

func (irq *IRQ) PulseInterrupt() { irq.Pulse() }

// Index is the line's position in its input group.
func (irq *IRQ) Index() int { return irq.n }

var _ chipset.LineInterrupt = (*IRQ)(nil)

// NewIRQ creates a detached line delivering to handler as line n.
func NewIRQ(r *object.Registry, handler IRQHandler, n int) *IRQ {
	irq := r.New(TypeIRQ).(*IRQ)
	irq.handler = handler
	irq.n = n
	return irq
}

// NewIRQFromLine wraps a board interrupt line.
func NewIRQFromLine(r *object.Registry, line chipset.LineInterrupt) *IRQ {
	return NewIRQ(r, func(_ int, level bool) { line.SetLevel(level) }, 0)
}

// NewIRQs creates n lines numbered from base, sharing handler.
func NewIRQs(r *object.Registry, handler IRQHandler, base, n int) []*IRQ {
	out := make([]*IRQ, n)
	for i := range out {
		out[i] = NewIRQ(r, handler, base+i)
	}
	return out
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:   TypeIRQ,
			Parent: object.TypeObject,
			New:    func() object.Instance { return &IRQ{} },
		})
	})
}
