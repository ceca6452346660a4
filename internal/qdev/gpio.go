package qdev

import (
	"fmt"
	"slices"

	"github.com/tinyrange/qdev/internal/object"
)

const (
	defaultGPIOIn  = "unnamed-gpio-in"
	defaultGPIOOut = "unnamed-gpio-out"
)

// NamedGPIOList is one named group of GPIO lines on a device. Inputs are
// IRQ objects owned by the device as "<name>[i]" children; outputs are
// "<name>[i]" links pointing at whatever input they drive.
type NamedGPIOList struct {
	Name   string
	In     []*IRQ
	NumIn  int
	NumOut int
}

// GPIOs returns the device's GPIO groups in creation order.
func (d *Device) GPIOs() []*NamedGPIOList { return slices.Clone(d.gpios) }

// GPIOList returns the group called name, nil when there is none.
func (d *Device) GPIOList(name string) *NamedGPIOList {
	for _, ngl := range d.gpios {
		if ngl.Name == name {
			return ngl
		}
	}
	return nil
}

func namedGPIOList(d *Device, name string) *NamedGPIOList {
	if ngl := d.GPIOList(name); ngl != nil {
		return ngl
	}
	ngl := &NamedGPIOList{Name: name}
	d.gpios = append(d.gpios, ngl)
	return ngl
}

// InitGPIOIn creates n unnamed input lines delivering to handler.
func InitGPIOIn(dev DeviceInstance, handler IRQHandler, n int) {
	InitGPIOInNamed(dev, handler, "", n)
}

// InitGPIOInNamed appends n input lines to the group called name. Line i of
// the group calls handler with its index within the group.
func InitGPIOInNamed(dev DeviceInstance, handler IRQHandler, name string, n int) {
	if name == "" {
		name = defaultGPIOIn
	}
	ngl := namedGPIOList(dev.QDev(), name)
	if ngl.NumOut > 0 {
		object.Fatalf("qdev gpio", "%q on %q is already an output group", name, dev.Obj().TypeName())
	}
	r := dev.Obj().Registry()
	for _, irq := range NewIRQs(r, handler, ngl.NumIn, n) {
		object.AddChild(dev, fmt.Sprintf("%s[%d]", name, irq.n), irq)
		object.Unref(irq)
		ngl.In = append(ngl.In, irq)
	}
	ngl.NumIn += n
}

// InitGPIOOut exposes pins as unnamed output lines. Each element of pins is
// the slot the device raises through; it stays nil until connected.
func InitGPIOOut(dev DeviceInstance, pins []*IRQ) {
	InitGPIOOutNamed(dev, pins, "")
}

// InitGPIOOutNamed appends pins to the output group called name. pins must
// not be reallocated afterwards.
func InitGPIOOutNamed(dev DeviceInstance, pins []*IRQ, name string) {
	if name == "" {
		name = defaultGPIOOut
	}
	ngl := namedGPIOList(dev.QDev(), name)
	if ngl.NumIn > 0 {
		object.Fatalf("qdev gpio", "%q on %q is already an input group", name, dev.Obj().TypeName())
	}
	for i := range pins {
		object.AddLink(dev, fmt.Sprintf("%s[%d]", name, ngl.NumOut+i), TypeIRQ, &pins[i], object.AllowSetLink, object.LinkStrong)
	}
	ngl.NumOut += len(pins)
}

func gpioName(name string, out bool) string {
	if name != "" {
		return name
	}
	if out {
		return defaultGPIOOut
	}
	return defaultGPIOIn
}

// GetGPIOIn returns unnamed input line n.
func GetGPIOIn(dev DeviceInstance, n int) *IRQ {
	return GetGPIOInNamed(dev, "", n)
}

func GetGPIOInNamed(dev DeviceInstance, name string, n int) *IRQ {
	name = gpioName(name, false)
	ngl := dev.QDev().GPIOList(name)
	if ngl == nil || n < 0 || n >= ngl.NumIn {
		object.Fatalf("qdev gpio", "%s[%d] on %q: %w", name, n, dev.Obj().TypeName(), ErrMissingGPIO)
	}
	return ngl.In[n]
}

// ConnectGPIOOut points unnamed output n of dev at irq. A nil irq
// disconnects the line.
func ConnectGPIOOut(dev DeviceInstance, n int, irq *IRQ) {
	ConnectGPIOOutNamed(dev, "", n, irq)
}

// ConnectGPIOOutNamed points output n of the group name at irq. An irq
// outside the composition tree is adopted under /machine/unattached so it
// stays reachable.
func ConnectGPIOOutNamed(dev DeviceInstance, name string, n int, irq *IRQ) {
	name = gpioName(name, true)
	if irq != nil && irq.Obj().Parent() == nil {
		object.AddChild(unattachedContainer(dev), "non-qdev-gpio[*]", irq)
	}
	var target object.Instance
	if irq != nil {
		target = irq
	}
	if err := object.SetLink(dev, fmt.Sprintf("%s[%d]", name, n), target); err != nil {
		object.Fatalf("qdev gpio", "connect %s[%d] on %q: %w", name, n, dev.Obj().TypeName(), err)
	}
}

// ConnectGPIO wires unnamed output n of src to unnamed input m of dst.
func ConnectGPIO(src DeviceInstance, n int, dst DeviceInstance, m int) {
	ConnectGPIOOut(src, n, GetGPIOIn(dst, m))
}

// GetGPIOOutConnected returns what output n of the group name drives, or
// nil when it is unconnected.
func GetGPIOOutConnected(dev DeviceInstance, name string, n int) *IRQ {
	name = gpioName(name, true)
	target, err := object.GetLink(dev, fmt.Sprintf("%s[%d]", name, n))
	if err != nil || target == nil {
		return nil
	}
	irq, _ := target.(*IRQ)
	return irq
}

// InterceptGPIOOut reroutes output n of the group name through icpt and
// returns the line it was driving, so icpt can forward to it.
func InterceptGPIOOut(dev DeviceInstance, icpt *IRQ, name string, n int) *IRQ {
	old := GetGPIOOutConnected(dev, name, n)
	if old != nil {
		object.Ref(old)
		defer object.Unref(old)
	}
	ConnectGPIOOutNamed(dev, name, n, icpt)
	return old
}

// PassGPIOs re-exposes the group name of dev on container, as if container
// owned the lines. dev's list moves to container.
func PassGPIOs(dev, container DeviceInstance, name string) {
	d := dev.QDev()
	ngl := d.GPIOList(name)
	if ngl == nil && name == "" {
		if ngl = d.GPIOList(defaultGPIOIn); ngl == nil {
			ngl = d.GPIOList(defaultGPIOOut)
		}
	}
	if ngl == nil {
		object.Fatalf("qdev gpio", "pass %q from %q: %w", name, dev.Obj().TypeName(), ErrMissingGPIO)
	}
	c := container.QDev()
	if c.GPIOList(ngl.Name) != nil {
		object.Fatalf("qdev gpio", "pass %q to %q: %w", ngl.Name, container.Obj().TypeName(), object.ErrDuplicate)
	}
	for i := 0; i < ngl.NumIn+ngl.NumOut; i++ {
		prop := fmt.Sprintf("%s[%d]", ngl.Name, i)
		if _, err := object.AddAlias(container, prop, dev, prop); err != nil {
			object.Fatalf("qdev gpio", "alias %s: %w", prop, err)
		}
	}
	d.gpios = slices.DeleteFunc(d.gpios, func(l *NamedGPIOList) bool { return l == ngl })
	c.gpios = append(c.gpios, ngl)
}
