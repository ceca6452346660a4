package sysbus

import (
	"fmt"
	"strings"

	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
)

const (
	// TypeBus is the type of system buses.
	TypeBus = "System"

	// MainBusName is the name of the bus every machine starts with.
	MainBusName = "main-system-bus"
)

// Bus is a system bus. Devices on it map their regions into its memory.
type Bus struct {
	qdev.Bus
	mem *memory.Region
}

// Memory is the address space of the bus.
func (b *Bus) Memory() *memory.Region { return b.mem }

// NewBus creates a detached system bus over mem.
func NewBus(r *object.Registry, name string, mem *memory.Region) (*Bus, error) {
	bus, err := qdev.NewBus(r, TypeBus, nil, name)
	if err != nil {
		return nil, err
	}
	b := bus.(*Bus)
	b.mem = mem
	return b, nil
}

// Default returns the main system bus of r, creating it and the system
// memory under /machine/unattached/sysbus on first use.
func Default(r *object.Registry) *Bus {
	unattached := object.ContainerGet(r.Root(), "/machine/unattached")
	if obj := object.ResolvePathComponent(unattached, "sysbus"); obj != nil {
		return obj.(*Bus)
	}
	b, err := NewBus(r, MainBusName, memory.NewContainer("system", memory.Unbounded))
	if err != nil {
		object.Fatalf("sysbus default", "%w", err)
	}
	object.AddChild(unattached, "sysbus", b)
	object.Unref(b)
	return b
}

// SystemMemory returns the address space of the main system bus.
func SystemMemory(r *object.Registry) *memory.Region {
	return Default(r).mem
}

// Realize plugs dev into the main system bus and realizes it.
func Realize(dev Instance) error {
	return qdev.Realize(dev, Default(dev.Obj().Registry()))
}

// RealizeAndUnref realizes a freshly created device on the main system
// bus and drops the creator's reference.
func RealizeAndUnref(dev Instance) error {
	return qdev.RealizeAndUnref(dev, Default(dev.Obj().Registry()))
}

// DeviceCreateSimple creates a device of typename on the main system bus,
// maps its first region at addr unless addr is Unmapped, and connects its
// outputs to irqs in order.
func DeviceCreateSimple(r *object.Registry, typename string, addr uint64, irqs ...*qdev.IRQ) (Instance, error) {
	t, ok := r.Lookup(typename)
	if !ok {
		return nil, fmt.Errorf("sysbus: device type %q: %w", typename, object.ErrNotFound)
	}
	if t.IsAbstract() {
		return nil, fmt.Errorf("sysbus: device type %q: %w", typename, object.ErrAbstract)
	}
	obj := t.New()
	dev, ok := obj.(Instance)
	if !ok {
		object.Unref(obj)
		return nil, fmt.Errorf("sysbus: %q is not a sysbus device: %w", typename, object.ErrInvalidType)
	}
	if err := RealizeAndUnref(dev); err != nil {
		return nil, err
	}
	if addr != Unmapped {
		if err := MMIOMap(dev, 0, addr); err != nil {
			return nil, err
		}
	}
	for n, irq := range irqs {
		if irq == nil {
			continue
		}
		ConnectIRQ(dev, n, irq)
	}
	return dev, nil
}

// Describe summarises the resources of dev for tree listings.
func Describe(dev Instance) string {
	s := dev.SysBus()
	var parts []string
	for n := range s.numMMIO {
		slot := s.mmio[n]
		if slot.addr == Unmapped {
			parts = append(parts, fmt.Sprintf("mmio %d unmapped/%x", n, slot.region.Size()))
			continue
		}
		parts = append(parts, fmt.Sprintf("mmio %016x/%x", slot.addr, slot.region.Size()))
	}
	for n := range s.numIRQ {
		if irq := GetConnectedIRQ(dev, n); irq != nil {
			parts = append(parts, fmt.Sprintf("irq %d -> %s", n, object.CanonicalPath(irq)))
		}
	}
	if s.numPIO > 0 {
		parts = append(parts, fmt.Sprintf("pio %#x+%d", s.pio[0], s.numPIO))
	}
	return strings.Join(parts, ", ")
}

// NodeName picks the device-tree node name for dev: the model part of its
// first compatible string, or its type name.
func NodeName(dev Instance) string {
	compat := GetDeviceClass(dev.Obj().Class()).Compatible
	if len(compat) == 0 {
		return dev.Obj().TypeName()
	}
	if _, model, found := strings.Cut(compat[0], ","); found {
		return model
	}
	return compat[0]
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:   TypeBus,
			Parent: qdev.TypeBus,
			New:    func() object.Instance { return &Bus{} },
		})
	})
}
