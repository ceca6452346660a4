// Package platformbus gives sysbus devices created after machine
// construction their IRQ lines and MMIO ranges. A platform bus owns a
// window of guest-physical space and a fixed number of interrupt lines;
// linked devices are placed first-fit into both.
//
// Resources are never returned. Devices linked to a platform bus are
// expected to live as long as the machine.
package platformbus

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/sysbus"
)

// TypeDevice is the type of platform bus devices.
const TypeDevice = "platform-bus-device"

// gpioIn names the input lines linked devices are connected to.
const gpioIn = "platform-bus-irq"

var (
	ErrNotDynamic = errors.New("device cannot be placed on the platform bus")
	ErrNoIRQs     = errors.New("platform bus has no free irq line")
	ErrNoSpace    = errors.New("platform bus cannot fit mmio region")
)

// Device is a platform bus. Its MMIO slot 0 is the window linked devices
// are mapped into and its IRQ outputs are the lines handed out.
type Device struct {
	sysbus.Device

	numIRQs  uint32
	mmioSize uint64

	mmio   *memory.Region
	inputs []*qdev.IRQ
	used   *bitset.BitSet
	linked []sysbus.Instance
}

func (p *Device) NumIRQs() uint32 { return p.numIRQs }

func (p *Device) MMIOSize() uint64 { return p.mmioSize }

// Window is the container region linked devices are mapped into.
func (p *Device) Window() *memory.Region { return p.mmio }

// Linked returns the devices placed on the bus, in link order.
func (p *Device) Linked() []sysbus.Instance { return slices.Clone(p.linked) }

// UsedIRQs returns the claimed line numbers in ascending order.
func (p *Device) UsedIRQs() []uint32 {
	if p.used == nil {
		return nil
	}
	var out []uint32
	for i, ok := p.used.NextSet(0); ok && i < uint(p.numIRQs); i, ok = p.used.NextSet(i + 1) {
		out = append(out, uint32(i))
	}
	return out
}

func (p *Device) forward(n int, level bool) {
	sysbus.SetIRQ(p, n, level)
}

func realize(dev qdev.DeviceInstance) error {
	p := dev.(*Device)
	if p.numIRQs == 0 || p.mmioSize == 0 {
		return fmt.Errorf("platform-bus: num_irqs and mmio_size must be set")
	}
	if p.numIRQs > sysbus.MaxIRQ {
		return fmt.Errorf("platform-bus: num_irqs %d exceeds the %d outputs of a sysbus device", p.numIRQs, sysbus.MaxIRQ)
	}
	p.mmio = memory.NewContainer("platform bus", p.mmioSize)
	sysbus.InitMMIO(p, p.mmio)
	sysbus.InitIRQs(p, int(p.numIRQs))
	qdev.InitGPIOInNamed(p, p.forward, gpioIn, int(p.numIRQs))
	p.inputs = p.QDev().GPIOList(gpioIn).In
	p.used = bitset.New(uint(p.numIRQs))
	RefreshIRQs(p)
	return nil
}

// inputIndex returns which of p's lines irq is, or -1.
func (p *Device) inputIndex(irq *qdev.IRQ) int {
	if irq == nil {
		return -1
	}
	return slices.Index(p.inputs, irq)
}

// DynamicContainers hold the devices created by the user rather than by
// board code. Only those are candidates for the platform bus.
var DynamicContainers = []string{"/machine/peripheral", "/machine/peripheral-anon"}

// forEachDynamicDevice calls fn for every sysbus device in the dynamic
// containers, in creation order.
func forEachDynamicDevice(r *object.Registry, fn func(dev sysbus.Instance)) {
	for _, path := range DynamicContainers {
		container, err := r.ResolvePath(path)
		if err != nil {
			continue
		}
		for _, child := range object.Children(container) {
			if dev, ok := child.(sysbus.Instance); ok {
				fn(dev)
			}
		}
	}
}

// RefreshIRQs rebuilds the used-line bitmap from the devices whose
// outputs already land on p's lines.
func RefreshIRQs(p *Device) {
	p.used.ClearAll()
	forEachDynamicDevice(p.Obj().Registry(), func(dev sysbus.Instance) {
		for n := 0; sysbus.HasIRQ(dev, n); n++ {
			if i := p.inputIndex(sysbus.GetConnectedIRQ(dev, n)); i >= 0 {
				p.used.Set(uint(i))
			}
		}
	})
	slog.Debug("platform-bus: irqs refreshed", "used", p.used.Count())
}

// MapIRQ connects output n of dev to the lowest free line of p. An output
// that is already connected is left alone. Running out of lines is fatal.
func MapIRQ(p *Device, dev sysbus.Instance, n int) {
	if sysbus.IsIRQConnected(dev, n) {
		return
	}
	irqn, ok := p.used.NextClear(0)
	if !ok || irqn >= uint(p.numIRQs) {
		object.Fatalf("platform-bus map irq", "%q irq %d: %w (%d lines)",
			object.CanonicalPath(dev), n, ErrNoIRQs, p.numIRQs)
	}
	p.used.Set(irqn)
	sysbus.ConnectIRQ(dev, n, p.inputs[irqn])
	slog.Debug("platform-bus: irq mapped", "path", object.CanonicalPath(dev), "n", n, "irq", irqn)
}

// Alignment returns the natural alignment of a region of size bytes: the
// smallest power of two not below size.
func Alignment(size uint64) uint64 {
	if size <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(size-1))
}

// MapMMIO places region n of dev at the lowest naturally aligned offset of
// p's window where it overlaps nothing. A region that is already mapped
// anywhere is left alone. Running out of space is fatal.
func MapMMIO(p *Device, dev sysbus.Instance, n int) {
	region := sysbus.MMIOGetRegion(dev, n)
	if region.IsMapped() {
		return
	}
	size := region.Size()
	align := Alignment(size)
	for off := uint64(0); align != 0 && off < p.mmioSize && size <= p.mmioSize-off; {
		if len(p.mmio.Overlapping(off, size)) == 0 {
			object.Must("platform-bus map mmio", p.mmio.AddSubregion(off, region))
			slog.Debug("platform-bus: mmio mapped", "path", object.CanonicalPath(dev), "n", n,
				"offset", fmt.Sprintf("%#x", off), "size", fmt.Sprintf("%#x", size))
			return
		}
		next, carry := bits.Add64(off, align, 0)
		if carry != 0 {
			break
		}
		off = next
	}
	object.Fatalf("platform-bus map mmio", "%q region %d of size %#x: %w",
		object.CanonicalPath(dev), n, size, ErrNoSpace)
}

// LinkDevice gives every IRQ output and MMIO region of dev a place on p.
// Only devices whose class allows dynamic placement are accepted.
func LinkDevice(p *Device, dev sysbus.Instance) error {
	if !sysbus.GetDeviceClass(dev.Obj().Class()).AllowDynamic {
		return fmt.Errorf("platform-bus: link %q (%s): %w",
			object.CanonicalPath(dev), dev.Obj().TypeName(), ErrNotDynamic)
	}
	if !p.Realized() {
		return fmt.Errorf("platform-bus: link %q: bus is not realized", object.CanonicalPath(dev))
	}
	for n := 0; sysbus.HasIRQ(dev, n); n++ {
		MapIRQ(p, dev, n)
	}
	for n := 0; sysbus.HasMMIO(dev, n); n++ {
		MapMMIO(p, dev, n)
	}
	if !slices.Contains(p.linked, dev) {
		p.linked = append(p.linked, dev)
	}
	return nil
}

// LinkDynamicDevices links every user-created sysbus device. Machines call
// it once construction is complete, for the devices created before the
// platform bus could take them.
func LinkDynamicDevices(p *Device) error {
	var devs []sysbus.Instance
	forEachDynamicDevice(p.Obj().Registry(), func(dev sysbus.Instance) {
		devs = append(devs, dev)
	})
	for _, dev := range devs {
		if err := LinkDevice(p, dev); err != nil {
			return err
		}
	}
	return nil
}

// GetMMIOAddr returns the offset of region n of dev inside p's window, or
// sysbus.Unmapped when it is not mapped there.
func GetMMIOAddr(p *Device, dev sysbus.Instance, n int) uint64 {
	if !sysbus.HasMMIO(dev, n) {
		return sysbus.Unmapped
	}
	region := sysbus.MMIOGetRegion(dev, n)
	if region.Container() != p.mmio {
		return sysbus.Unmapped
	}
	return region.Addr()
}

// GetIRQN returns which of p's lines output n of dev is connected to, or
// -1.
func GetIRQN(p *Device, dev sysbus.Instance, n int) int {
	if !sysbus.HasIRQ(dev, n) {
		return -1
	}
	return p.inputIndex(sysbus.GetConnectedIRQ(dev, n))
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:   TypeDevice,
			Parent: sysbus.TypeDevice,
			New:    func() object.Instance { return &Device{} },
			ClassInit: func(c *object.Class, _ any) {
				dc := qdev.GetDeviceClass(c)
				dc.Desc = "dynamic sysbus device placement"
				dc.Hotpluggable = false
				dc.Realize = realize
				qdev.DeviceClassSetProps(c,
					qdev.PropUint("num_irqs", func(p *Device) *uint32 { return &p.numIRQs }, 0),
					qdev.PropUint("mmio_size", func(p *Device) *uint64 { return &p.mmioSize }, 0),
				)
			},
		})
	})
}
