package qdev

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/reset"
)

// TypeBus is the abstract base of all buses.
const TypeBus = "bus"

var (
	ErrBusFull     = errors.New("bus is full")
	ErrWrongBus    = errors.New("device cannot be plugged into this bus")
	ErrNoBus       = errors.New("device requires a bus")
	ErrHotplug     = errors.New("device does not support hotplugging")
	ErrRealized    = errors.New("device is already realized")
	ErrMissingGPIO = errors.New("no such gpio")
)

// BusInstance is implemented by every bus; types embed Bus to satisfy it.
type BusInstance interface {
	reset.Resettable
	QBus() *Bus
}

// BusClass holds the per-type bus hooks.
type BusClass struct {
	Realize   func(bus BusInstance) error
	Unrealize func(bus BusInstance)

	// MaxDev limits the number of children. Zero means unlimited.
	MaxDev int

	automaticIDs int
}

// GetBusClass returns the bus facet of c.
func GetBusClass(c *object.Class) *BusClass {
	return object.ClassFacet[BusClass](c)
}

// BusChild is one device plugged into a bus.
type BusChild struct {
	dev   DeviceInstance
	index int
}

func (k *BusChild) Device() DeviceInstance { return k.dev }

// Index is the child's stable position, used in its "child[N]" link.
func (k *BusChild) Index() int { return k.index }

// Bus is the state shared by all buses.
type Bus struct {
	object.Object

	parent      DeviceInstance
	name        string
	children    []*BusChild
	numChildren int
	maxIndex    int
	realized    bool

	hotplugHandler HotplugHandler
	resetState     reset.State
}

func (b *Bus) QBus() *Bus { return b }

func (b *Bus) ResetState() *reset.State { return &b.resetState }

// ResetChildForeach resets plugged devices in plug order.
func (b *Bus) ResetChildForeach(fn func(reset.Resettable), _ reset.Type) {
	for _, kid := range slices.Clone(b.children) {
		fn(kid.dev)
	}
}

func (b *Bus) Name() string { return b.name }

// ParentDevice is the device the bus hangs off, nil for the main system
// bus.
func (b *Bus) ParentDevice() DeviceInstance { return b.parent }

func (b *Bus) Realized() bool { return b.realized }

// Children returns the plugged devices in plug order.
func (b *Bus) Children() []*BusChild { return slices.Clone(b.children) }

func (b *Bus) NumChildren() int { return b.numChildren }

func (b *Bus) HotplugHandler() HotplugHandler { return b.hotplugHandler }

// Full reports whether the bus class limit on children is reached.
func (b *Bus) Full() bool {
	bc := GetBusClass(b.Class())
	return bc.MaxDev > 0 && b.numChildren >= bc.MaxDev
}

// SetHotplugHandler makes handler receive plug and unplug events for
// devices on bus.
func SetHotplugHandler(bus BusInstance, handler HotplugHandler) error {
	var target object.Instance
	if handler != nil {
		target = handler
	}
	return object.SetLink(bus, "hotplug-handler", target)
}

func busInit(obj object.Instance) {
	b := obj.(BusInstance).QBus()
	object.AddLink(obj, "hotplug-handler", TypeHotplugHandler, &b.hotplugHandler, object.AllowSetLink, 0)
}

// NewBus creates a bus of typename. With a parent device the bus becomes a
// child of it and the tree holds the only reference; without one the
// caller owns the returned bus.
//
// Unnamed buses are called "<parent id>.<n>" when the parent has an id,
// and "<lowercase type>.<n>" otherwise.
func NewBus(r *object.Registry, typename string, parent DeviceInstance, name string) (BusInstance, error) {
	t, ok := r.Lookup(typename)
	if !ok {
		return nil, fmt.Errorf("qdev: bus type %q: %w", typename, object.ErrNotFound)
	}
	bus, ok := t.New().(BusInstance)
	if !ok {
		object.Fatalf("qdev new bus", "type %q is not a bus", typename)
	}
	b := bus.QBus()
	b.parent = parent

	switch {
	case name != "":
		b.name = name
	case parent != nil && parent.QDev().id != "":
		d := parent.QDev()
		b.name = fmt.Sprintf("%s.%d", d.id, len(d.childBuses))
	default:
		bc := GetBusClass(b.Class())
		b.name = strings.ToLower(fmt.Sprintf("%s.%d", typename, bc.automaticIDs))
		bc.automaticIDs++
	}

	if parent != nil {
		if _, err := object.TryAddChild(parent, b.name, bus); err != nil {
			b.parent = nil
			object.Unref(bus)
			return nil, fmt.Errorf("qdev: new bus %q: %w", b.name, err)
		}
		d := parent.QDev()
		d.childBuses = append(d.childBuses, bus)
		object.Unref(bus)
	}
	slog.Debug("qdev: new bus", "name", b.name, "type", typename)
	return bus, nil
}

func busUnparent(obj object.Instance) {
	bus := obj.(BusInstance)
	b := bus.QBus()
	for len(b.children) > 0 {
		dev := b.children[0].dev
		if dev.Obj().Parent() != nil {
			object.Unparent(dev)
		} else {
			busRemoveChild(bus, dev)
		}
	}
	if b.parent != nil {
		if b.realized {
			if err := UnrealizeBus(bus); err != nil {
				slog.Warn("qdev: unrealize on unparent", "bus", b.name, "err", err)
			}
		}
		d := b.parent.QDev()
		if i := slices.Index(d.childBuses, bus); i >= 0 {
			d.childBuses = slices.Delete(d.childBuses, i, i+1)
		}
		b.parent = nil
	}
}

func busAddChild(bus BusInstance, dev DeviceInstance) {
	b := bus.QBus()
	kid := &BusChild{dev: dev, index: b.maxIndex}
	b.maxIndex++
	b.numChildren++
	object.Ref(dev)
	b.children = append(b.children, kid)
	object.AddLink(bus, fmt.Sprintf("child[%d]", kid.index), TypeDevice, &kid.dev, nil, 0)
}

func busRemoveChild(bus BusInstance, dev DeviceInstance) {
	b := bus.QBus()
	for i, kid := range b.children {
		if kid.dev != dev {
			continue
		}
		b.children = slices.Delete(b.children, i, i+1)
		b.numChildren--
		object.Must("qdev bus remove child", object.DeleteProperty(bus, fmt.Sprintf("child[%d]", kid.index)))
		dev.QDev().parentBus = nil
		object.Unref(dev)
		return
	}
}

// SetParentBus plugs dev into bus, unplugging it from any previous bus.
// The bus must be of the type the device class asks for and not be full.
func SetParentBus(dev DeviceInstance, bus BusInstance) error {
	d := dev.QDev()
	dc := GetDeviceClass(dev.Obj().Class())
	if dc.BusType == "" || object.DynamicCast(bus, dc.BusType) == nil {
		return fmt.Errorf("qdev: %q on bus %q (type %q, want %q): %w",
			dev.Obj().TypeName(), bus.QBus().name, bus.Obj().TypeName(), dc.BusType, ErrWrongBus)
	}
	if bus.QBus().Full() {
		return fmt.Errorf("qdev: %q on bus %q: %w", dev.Obj().TypeName(), bus.QBus().name, ErrBusFull)
	}
	if old := d.parentBus; old != nil {
		if old == bus {
			return nil
		}
		object.Ref(dev)
		defer object.Unref(dev)
		busRemoveChild(old, dev)
	}
	d.parentBus = bus
	busAddChild(bus, dev)
	return nil
}

func setBusRealized(bus BusInstance, value bool) error {
	b := bus.QBus()
	bc := GetBusClass(bus.Obj().Class())
	switch {
	case value && !b.realized:
		if bc.Realize != nil {
			if err := bc.Realize(bus); err != nil {
				return fmt.Errorf("qdev: realize bus %q: %w", b.name, err)
			}
		}
		b.realized = true
		slog.Debug("qdev: bus realized", "name", b.name)
	case !value && b.realized:
		var errs error
		for _, kid := range slices.Clone(b.children) {
			errs = multierr.Append(errs, Unrealize(kid.dev))
		}
		if bc.Unrealize != nil {
			bc.Unrealize(bus)
		}
		b.realized = false
		slog.Debug("qdev: bus unrealized", "name", b.name)
		return errs
	}
	return nil
}

// RealizeBus marks bus realized and runs its class hook. Devices already
// plugged into the bus are not realized by this call; each is realized on
// its own.
func RealizeBus(bus BusInstance) error {
	return setBusRealized(bus, true)
}

// UnrealizeBus unrealizes every plugged device in plug order and then the
// bus itself.
func UnrealizeBus(bus BusInstance) error {
	return setBusRealized(bus, false)
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:         TypeBus,
			Parent:       object.TypeObject,
			Abstract:     true,
			New:          func() object.Instance { return &Bus{} },
			InstanceInit: busInit,
			Interfaces:   []string{reset.TypeResettable},
			ClassInit: func(c *object.Class, _ any) {
				c.Unparent = busUnparent
				object.ClassAddBool(c, "realized",
					func(obj object.Instance) bool { return obj.(BusInstance).QBus().realized },
					func(obj object.Instance, v bool) error { return setBusRealized(obj.(BusInstance), v) },
				)
			},
		})
	})
}
