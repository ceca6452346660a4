// Package machine assembles a board from a YAML description: guest RAM,
// the main system bus, an optional platform bus and the configured
// devices. It also serves post-boot device creation.
package machine

import (
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/tinyrange/qdev/internal/chipset"
	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/platformbus"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/reset"
	"github.com/tinyrange/qdev/internal/sysbus"
)

// TypeMachine is the type of the object at /machine.
const TypeMachine = "machine"

var (
	ErrNotUserCreatable = errors.New("device cannot be created by the user")
	ErrNotHotpluggable  = errors.New("device does not support hotplug")
	ErrClosed           = errors.New("machine is closed")
)

// Machine is the object at /machine. It handles plug events of the main
// system bus.
type Machine struct {
	object.Object
	ctx *Context
}

// PrePlug refuses sysbus devices that cannot be placed once the machine
// is running.
func (m *Machine) PrePlug(dev qdev.DeviceInstance) error {
	if !m.ctx.done {
		return nil
	}
	if _, ok := dev.(sysbus.Instance); !ok {
		return nil
	}
	if !sysbus.GetDeviceClass(dev.Obj().Class()).AllowDynamic || m.ctx.pbus == nil {
		return fmt.Errorf("machine: %s: %w", dev.Obj().TypeName(), platformbus.ErrNotDynamic)
	}
	return nil
}

// Plug links dynamic sysbus devices added after construction to the
// platform bus.
func (m *Machine) Plug(dev qdev.DeviceInstance) error {
	sbd, ok := dev.(sysbus.Instance)
	if !ok || !m.ctx.done || m.ctx.pbus == nil {
		return nil
	}
	return platformbus.LinkDevice(m.ctx.pbus, sbd)
}

// Unplug refuses: platform bus resources are never returned.
func (m *Machine) Unplug(dev qdev.DeviceInstance) error {
	return fmt.Errorf("machine: %s: %w", object.CanonicalPath(dev), qdev.ErrHotplug)
}

var _ qdev.HotplugHandler = (*Machine)(nil)

// Context is a machine under construction or running.
type Context struct {
	reg     *object.Registry
	machine *Machine
	bus     *sysbus.Bus
	lines   *chipset.LineSet
	resets  *reset.Container
	cfg     Config

	// sinkLines maps the IRQ objects wired to the interrupt sink to their
	// line numbers.
	sinkLines map[*qdev.IRQ]uint32

	ram  *memory.Region
	pbus *platformbus.Device

	done   bool
	closed bool
}

// New creates an empty machine bound to r. Interrupt lines driven by
// devices are forwarded to sink.
func New(r *object.Registry, sink chipset.InterruptSink) (*Context, error) {
	if object.ResolvePathComponent(r.Root(), "machine") != nil {
		return nil, fmt.Errorf("machine: registry already holds a machine: %w", object.ErrDuplicate)
	}
	ctx := &Context{
		reg:    r,
		lines:  chipset.NewLineSet(sink),
		resets: reset.NewContainer(r),

		sinkLines: make(map[*qdev.IRQ]uint32),
	}
	m := r.New(TypeMachine).(*Machine)
	m.ctx = ctx
	object.AddChild(r.Root(), "machine", m)
	object.Unref(m)
	ctx.machine = m

	ctx.bus = sysbus.Default(r)
	if err := qdev.SetHotplugHandler(ctx.bus, m); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := qdev.RealizeBus(ctx.bus); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	ctx.resets.Add(ctx.bus)
	return ctx, nil
}

// Build constructs the machine described by cfg. Any failure aborts
// construction and tears down what was built.
func Build(r *object.Registry, cfg *Config, sink chipset.InterruptSink) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, err := New(r, sink)
	if err != nil {
		return nil, err
	}
	ctx.cfg = *cfg
	if err := ctx.build(cfg); err != nil {
		return nil, multierr.Append(err, ctx.Close())
	}
	slog.Debug("machine: built", "name", cfg.Name, "devices", len(cfg.Devices))
	return ctx, nil
}

func (ctx *Context) build(cfg *Config) error {
	if cfg.Memory.Size != 0 {
		ctx.ram = memory.NewRAM("ram", uint64(cfg.Memory.Size))
		if err := ctx.Memory().AddSubregion(uint64(cfg.Memory.Base), ctx.ram); err != nil {
			return fmt.Errorf("machine: map ram: %w", err)
		}
	}
	if pb := cfg.PlatformBus; pb != nil {
		if err := ctx.createPlatformBus(pb); err != nil {
			return err
		}
	}
	for _, spec := range cfg.Devices {
		if _, err := ctx.createDevice(spec); err != nil {
			return err
		}
	}
	if err := ctx.machineDone(); err != nil {
		return err
	}
	ctx.Reset(reset.Cold)
	return nil
}

func (ctx *Context) createPlatformBus(cfg *PlatformBusConfig) error {
	p := ctx.reg.New(platformbus.TypeDevice).(*platformbus.Device)
	object.AddChild(ctx.machine, "platform-bus-device", p)
	if err := multierr.Combine(
		object.SetUint(p, "num_irqs", uint64(cfg.NumIRQs)),
		object.SetUint(p, "mmio_size", uint64(cfg.Size)),
	); err != nil {
		object.Unref(p)
		return fmt.Errorf("machine: platform bus: %w", err)
	}
	if err := sysbus.RealizeAndUnref(p); err != nil {
		return fmt.Errorf("machine: platform bus: %w", err)
	}
	if err := sysbus.MMIOMap(p, 0, uint64(cfg.Base)); err != nil {
		return fmt.Errorf("machine: platform bus: %w", err)
	}
	for n := range int(cfg.NumIRQs) {
		ctx.connectLine(p, n, cfg.IRQBase+uint32(n))
	}
	ctx.pbus = p
	return nil
}

// connectLine wires output n of dev to line irq of the interrupt sink.
func (ctx *Context) connectLine(dev sysbus.Instance, n int, irq uint32) {
	line := qdev.NewIRQFromLine(ctx.reg, ctx.lines.AllocateLine(irq))
	sysbus.ConnectIRQ(dev, n, line)
	object.Unref(line)
	ctx.sinkLines[line] = irq
}

// lineOf returns the sink line irq delivers to.
func (ctx *Context) lineOf(irq *qdev.IRQ) (uint32, bool) {
	if irq == nil {
		return 0, false
	}
	n, ok := ctx.sinkLines[irq]
	return n, ok
}

// machineDone links the dynamic devices created during construction and
// opens the machine to hotplug.
func (ctx *Context) machineDone() error {
	if ctx.pbus != nil {
		if err := platformbus.LinkDynamicDevices(ctx.pbus); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}
	ctx.done = true
	return nil
}

// Registry returns the registry the machine lives in.
func (ctx *Context) Registry() *object.Registry { return ctx.reg }

// Machine returns the object at /machine.
func (ctx *Context) Machine() *Machine { return ctx.machine }

// Bus returns the main system bus.
func (ctx *Context) Bus() *sysbus.Bus { return ctx.bus }

// Memory returns the system address space.
func (ctx *Context) Memory() *memory.Region { return ctx.bus.Memory() }

// Lines returns the interrupt lines devices drive.
func (ctx *Context) Lines() *chipset.LineSet { return ctx.lines }

// PlatformBus returns the platform bus, or nil when none is configured.
func (ctx *Context) PlatformBus() *platformbus.Device { return ctx.pbus }

// Config returns the description the machine was built from.
func (ctx *Context) Config() Config { return ctx.cfg }

// Done reports whether construction has finished.
func (ctx *Context) Done() bool { return ctx.done }

// Reset runs a reset of type t over everything on the main system bus.
func (ctx *Context) Reset(t reset.Type) {
	slog.Debug("machine: reset", "type", t)
	reset.Reset(ctx.resets, t)
}

// Read reads guest-physical memory.
func (ctx *Context) Read(addr uint64, data []byte) error {
	return ctx.Memory().Read(addr, data)
}

// Write writes guest-physical memory.
func (ctx *Context) Write(addr uint64, data []byte) error {
	return ctx.Memory().Write(addr, data)
}

// Close unrealizes every device and removes the machine from the tree.
// The context cannot be used afterwards.
func (ctx *Context) Close() error {
	if ctx.closed {
		return nil
	}
	ctx.closed = true
	var errs error
	errs = multierr.Append(errs, qdev.UnrealizeBus(ctx.bus))
	ctx.resets.Remove(ctx.bus)
	if ctx.ram != nil && ctx.ram.IsMapped() {
		errs = multierr.Append(errs, ctx.Memory().RemoveSubregion(ctx.ram))
	}
	object.Unparent(ctx.machine)
	object.Unref(ctx.resets)
	ctx.pbus = nil
	return errs
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:       TypeMachine,
			Parent:     object.TypeObject,
			New:        func() object.Instance { return &Machine{} },
			Interfaces: []string{qdev.TypeHotplugHandler},
		})
	})
}
