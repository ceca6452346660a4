// Package sysbus implements devices that sit directly on the system bus:
// a fixed set of MMIO regions mapped into system memory, a fixed set of
// IRQ outputs and a few port-IO ranges.
package sysbus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
)

const (
	// TypeDevice is the abstract base of sysbus devices.
	TypeDevice = "sys-bus-device"

	// GPIOIRQ names the output group holding a device's IRQ lines.
	GPIOIRQ = "sysbus-irq"
)

// Slot limits mirror the bounded resources of real bus interfaces.
const (
	MaxMMIO = 32
	MaxPIO  = 32
	MaxIRQ  = 512
)

// Unmapped is the address of an MMIO region that is not mapped.
const Unmapped = ^uint64(0)

var (
	ErrCapacity = errors.New("sysbus slot capacity exceeded")
	ErrNoMMIO   = errors.New("no such mmio region")
	ErrNoIRQ    = errors.New("no such irq")
)

// Instance is implemented by every sysbus device.
type Instance interface {
	qdev.DeviceInstance
	SysBus() *Device
}

// DeviceClass holds sysbus specific class data.
type DeviceClass struct {
	// AllowDynamic marks devices that may be created after the machine is
	// built and placed by the platform bus.
	AllowDynamic bool

	// Compatible is the device-tree compatible list, most specific first.
	Compatible []string

	// FDTNode lets a device add properties to the node describing it.
	FDTNode func(dev Instance, props map[string]fdt.Property)
}

// GetDeviceClass returns the sysbus facet of c.
func GetDeviceClass(c *object.Class) *DeviceClass {
	return object.ClassFacet[DeviceClass](c)
}

type mmioSlot struct {
	addr     uint64
	region   *memory.Region
	overlap  bool
	priority int
}

// Device is the state shared by sysbus devices.
type Device struct {
	qdev.Device

	numMMIO int
	mmio    [MaxMMIO]mmioSlot

	numIRQ int
	irqs   [MaxIRQ]*qdev.IRQ

	numPIO int
	pio    [MaxPIO]uint32
}

func (s *Device) SysBus() *Device { return s }

func (s *Device) NumMMIO() int { return s.numMMIO }

func (s *Device) NumIRQ() int { return s.numIRQ }

// PIO returns the claimed port-IO addresses.
func (s *Device) PIO() []uint32 { return s.pio[:s.numPIO:s.numPIO] }

// InitMMIO claims the next MMIO slot for region and returns its index.
// Running out of slots is fatal.
func InitMMIO(dev Instance, region *memory.Region) int {
	s := dev.SysBus()
	if s.numMMIO >= MaxMMIO {
		object.Fatalf("sysbus init mmio", "%q: %w (%d regions)", dev.Obj().TypeName(), ErrCapacity, MaxMMIO)
	}
	n := s.numMMIO
	s.numMMIO++
	s.mmio[n] = mmioSlot{addr: Unmapped, region: region}
	return n
}

func mmioSlotOf(dev Instance, n int) (*mmioSlot, error) {
	s := dev.SysBus()
	if n < 0 || n >= s.numMMIO {
		return nil, fmt.Errorf("sysbus: %q mmio %d: %w", dev.Obj().TypeName(), n, ErrNoMMIO)
	}
	return &s.mmio[n], nil
}

// HasMMIO reports whether slot n is claimed.
func HasMMIO(dev Instance, n int) bool {
	return n >= 0 && n < dev.SysBus().numMMIO
}

// MMIOGetRegion returns the region in slot n.
func MMIOGetRegion(dev Instance, n int) *memory.Region {
	slot, err := mmioSlotOf(dev, n)
	if err != nil {
		object.Fatalf("sysbus mmio region", "%w", err)
	}
	return slot.region
}

// MMIOAddr returns where slot n is mapped, or Unmapped.
func MMIOAddr(dev Instance, n int) uint64 {
	slot, err := mmioSlotOf(dev, n)
	if err != nil {
		return Unmapped
	}
	return slot.addr
}

// AddressSpace returns the container dev's regions are mapped into: the
// memory of its system bus, or of the main system bus when unplugged.
func AddressSpace(dev Instance) *memory.Region {
	if bus, ok := dev.QDev().ParentBus().(*Bus); ok && bus.mem != nil {
		return bus.mem
	}
	return SystemMemory(dev.Obj().Registry())
}

func mmioMap(dev Instance, n int, addr uint64, overlap bool, priority int) error {
	slot, err := mmioSlotOf(dev, n)
	if err != nil {
		return err
	}
	if slot.addr == addr {
		return nil
	}
	as := AddressSpace(dev)
	old := *slot
	if old.addr != Unmapped {
		if err := as.RemoveSubregion(slot.region); err != nil {
			return fmt.Errorf("sysbus: remap %q mmio %d: %w", object.CanonicalPath(dev), n, err)
		}
		slot.addr = Unmapped
	}
	if err := addRegion(as, addr, slot.region, overlap, priority); err != nil {
		if old.addr != Unmapped {
			object.Must("sysbus restore mapping", addRegion(as, old.addr, slot.region, old.overlap, old.priority))
			*slot = old
		}
		return fmt.Errorf("sysbus: map %q mmio %d: %w", object.CanonicalPath(dev), n, err)
	}
	slot.addr = addr
	slot.overlap = overlap
	slot.priority = priority
	slog.Debug("sysbus: mmio mapped", "path", object.CanonicalPath(dev), "n", n, "addr", fmt.Sprintf("%#x", addr))
	return nil
}

func addRegion(as *memory.Region, addr uint64, region *memory.Region, overlap bool, priority int) error {
	if overlap {
		return as.AddSubregionOverlap(addr, region, priority)
	}
	return as.AddSubregion(addr, region)
}

// MMIOMap maps slot n at addr, unmapping it from any earlier address. The
// region may not overlap other plain mappings. When the new address is
// refused the earlier mapping stays in place.
func MMIOMap(dev Instance, n int, addr uint64) error {
	return mmioMap(dev, n, addr, false, 0)
}

// MMIOMapOverlap maps slot n at addr, allowing overlap with other regions.
// The highest priority wins where regions intersect.
func MMIOMapOverlap(dev Instance, n int, addr uint64, priority int) error {
	return mmioMap(dev, n, addr, true, priority)
}

// MMIOUnmap removes the mapping of slot n, if any.
func MMIOUnmap(dev Instance, n int) error {
	slot, err := mmioSlotOf(dev, n)
	if err != nil {
		return err
	}
	if slot.addr == Unmapped {
		return nil
	}
	if err := AddressSpace(dev).RemoveSubregion(slot.region); err != nil {
		return fmt.Errorf("sysbus: unmap %q mmio %d: %w", object.CanonicalPath(dev), n, err)
	}
	slot.addr = Unmapped
	return nil
}

// InitIRQ claims the next IRQ output and returns its index. The device
// drives it with SetIRQ.
func InitIRQ(dev Instance) int {
	s := dev.SysBus()
	if s.numIRQ >= MaxIRQ {
		object.Fatalf("sysbus init irq", "%q: %w (%d lines)", dev.Obj().TypeName(), ErrCapacity, MaxIRQ)
	}
	n := s.numIRQ
	s.numIRQ++
	qdev.InitGPIOOutNamed(dev, s.irqs[n:n+1], GPIOIRQ)
	return n
}

// InitIRQs claims count IRQ outputs.
func InitIRQs(dev Instance, count int) {
	for range count {
		InitIRQ(dev)
	}
}

// SetIRQ drives output n. Unconnected outputs drop the level.
func SetIRQ(dev Instance, n int, level bool) {
	s := dev.SysBus()
	if n < 0 || n >= s.numIRQ {
		object.Fatalf("sysbus set irq", "%q irq %d: %w", dev.Obj().TypeName(), n, ErrNoIRQ)
	}
	s.irqs[n].SetLevel(level)
}

// IRQ returns the line output n currently drives, nil when unconnected.
func (s *Device) IRQ(n int) *qdev.IRQ {
	if n < 0 || n >= s.numIRQ {
		return nil
	}
	return s.irqs[n]
}

// ConnectIRQ points output n at irq.
func ConnectIRQ(dev Instance, n int, irq *qdev.IRQ) {
	qdev.ConnectGPIOOutNamed(dev, GPIOIRQ, n, irq)
}

// HasIRQ reports whether dev exposes output n.
func HasIRQ(dev Instance, n int) bool {
	return object.LookupProperty(dev, fmt.Sprintf("%s[%d]", GPIOIRQ, n)) != nil
}

// GetConnectedIRQ returns the line output n is connected to.
func GetConnectedIRQ(dev Instance, n int) *qdev.IRQ {
	return qdev.GetGPIOOutConnected(dev, GPIOIRQ, n)
}

// IsIRQConnected reports whether output n drives anything.
func IsIRQConnected(dev Instance, n int) bool {
	return GetConnectedIRQ(dev, n) != nil
}

// InitPIO claims size consecutive port-IO addresses starting at base.
func InitPIO(dev Instance, base, size uint32) {
	s := dev.SysBus()
	for i := range size {
		if s.numPIO >= MaxPIO {
			object.Fatalf("sysbus init pio", "%q: %w (%d ports)", dev.Obj().TypeName(), ErrCapacity, MaxPIO)
		}
		s.pio[s.numPIO] = base + i
		s.numPIO++
	}
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:     TypeDevice,
			Parent:   qdev.TypeDevice,
			Abstract: true,
			New:      func() object.Instance { return &Device{} },
			ClassInit: func(c *object.Class, _ any) {
				qdev.GetDeviceClass(c).BusType = TypeBus
			},
		})
	})
}
