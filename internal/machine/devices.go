package machine

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/sysbus"
)

const (
	peripheralPath = "/machine/peripheral"
	unattachedPath = "/machine/unattached"
)

// DeviceAdd creates, configures and realizes a device on the running
// machine. Failures are returned and leave the rest of the machine
// untouched. Dynamic sysbus devices are placed by the platform bus.
func (ctx *Context) DeviceAdd(spec DeviceConfig) (qdev.DeviceInstance, error) {
	if ctx.closed {
		return nil, ErrClosed
	}
	if !ctx.done {
		return nil, fmt.Errorf("machine: device_add before construction finished")
	}
	dev, err := ctx.createDevice(spec)
	if err != nil {
		slog.Warn("machine: device_add rejected", "type", spec.Type, "id", spec.ID, "err", err)
		return nil, err
	}
	slog.Info("machine: device added", "path", object.CanonicalPath(dev), "type", spec.Type)
	return dev, nil
}

// lookupDeviceType checks that typename names a concrete device type the
// user, when user is set, may create.
func (ctx *Context) lookupDeviceType(typename string, user bool) (*qdev.DeviceClass, error) {
	t, ok := ctx.reg.Lookup(typename)
	if !ok {
		return nil, fmt.Errorf("machine: device type %q: %w", typename, object.ErrNotFound)
	}
	if t.IsAbstract() {
		return nil, fmt.Errorf("machine: device type %q: %w", typename, object.ErrAbstract)
	}
	if object.ClassDynamicCast(t.Class(), qdev.TypeDevice) == nil {
		return nil, fmt.Errorf("machine: %q is not a device: %w", typename, object.ErrInvalidType)
	}
	dc := qdev.GetDeviceClass(t.Class())
	if user && !dc.UserCreatable {
		return nil, fmt.Errorf("machine: %q: %w", typename, ErrNotUserCreatable)
	}
	if ctx.done && !dc.Hotpluggable {
		return nil, fmt.Errorf("machine: %q: %w", typename, ErrNotHotpluggable)
	}
	return dc, nil
}

// findBus resolves the bus a device of class dc plugs into.
func (ctx *Context) findBus(spec DeviceConfig, dc *qdev.DeviceClass) (qdev.BusInstance, error) {
	if spec.Bus == "" {
		switch dc.BusType {
		case "":
			return nil, nil
		case sysbus.TypeBus:
			return ctx.bus, nil
		}
		return nil, fmt.Errorf("machine: %q needs a %s bus: %w", spec.Type, dc.BusType, qdev.ErrNoBus)
	}
	var found qdev.BusInstance
	_ = qdev.WalkBus(ctx.bus, qdev.WalkFuncs{
		PreBus: func(b qdev.BusInstance) error {
			if found == nil && b.QBus().Name() == spec.Bus {
				found = b
			}
			return nil
		},
	})
	if found == nil {
		return nil, fmt.Errorf("machine: bus %q: %w", spec.Bus, object.ErrNotFound)
	}
	if object.DynamicCast(found, dc.BusType) == nil {
		return nil, fmt.Errorf("machine: bus %q is not a %s: %w", spec.Bus, dc.BusType, qdev.ErrWrongBus)
	}
	return found, nil
}

// placeDevice adds dev under its composition parent. Devices created by
// the user land in the peripheral containers, where the platform bus
// looks for them. Board devices go to /machine/unattached.
func (ctx *Context) placeDevice(spec DeviceConfig, dev qdev.DeviceInstance) error {
	name := spec.ID
	if name == "" {
		name = "device[*]"
	}
	var parent object.Instance
	switch {
	case spec.Parent != "":
		p, err := ctx.reg.ResolvePath(spec.Parent)
		if err != nil {
			return fmt.Errorf("machine: parent %q: %w", spec.Parent, err)
		}
		parent = p
	case ctx.done || spec.Dynamic:
		path := peripheralPath
		if spec.ID == "" {
			path += "-anon"
		}
		parent = object.ContainerGet(ctx.reg.Root(), path)
	default:
		parent = object.ContainerGet(ctx.reg.Root(), unattachedPath)
	}
	if _, err := object.TryAddChild(parent, name, dev); err != nil {
		return fmt.Errorf("machine: add %q under %s: %w", name, object.CanonicalPath(parent), err)
	}
	return nil
}

// createDevice runs the creation path shared by configured and hot-added
// devices. On failure the device is removed again.
func (ctx *Context) createDevice(spec DeviceConfig) (qdev.DeviceInstance, error) {
	dc, err := ctx.lookupDeviceType(spec.Type, ctx.done || spec.Dynamic)
	if err != nil {
		return nil, err
	}
	bus, err := ctx.findBus(spec, dc)
	if err != nil {
		return nil, err
	}
	if ctx.done && (len(spec.MMIO) > 0 || len(spec.IRQ) > 0) {
		return nil, fmt.Errorf("machine: %q: devices added at runtime are placed by the platform bus: %w",
			spec.Type, ErrConfig)
	}
	dev := ctx.reg.New(spec.Type).(qdev.DeviceInstance)
	sbd, isSysbus := dev.(sysbus.Instance)
	if !isSysbus && (len(spec.MMIO) > 0 || len(spec.IRQ) > 0) {
		object.Unref(dev)
		return nil, fmt.Errorf("machine: %q is not a sysbus device and takes no mmio or irq: %w",
			spec.Type, ErrConfig)
	}
	dev.QDev().SetID(spec.ID)
	if err := object.SetProps(dev, spec.PropStrings()); err != nil {
		object.Unref(dev)
		return nil, fmt.Errorf("machine: %s: %w", spec.Type, err)
	}
	err = ctx.placeDevice(spec, dev)
	object.Unref(dev)
	if err != nil {
		return nil, err
	}

	if ctx.done {
		dev.QDev().SetHotplugged(true)
	}
	if err := qdev.Realize(dev, bus); err != nil {
		object.Unparent(dev)
		return nil, fmt.Errorf("machine: %w", err)
	}
	if isSysbus {
		for n, addr := range spec.MMIO {
			if err := sysbus.MMIOMap(sbd, n, uint64(addr)); err != nil {
				object.Unparent(dev)
				return nil, fmt.Errorf("machine: %w", err)
			}
		}
		for n, irq := range spec.IRQ {
			if !sysbus.HasIRQ(sbd, n) {
				object.Unparent(dev)
				return nil, fmt.Errorf("machine: %s irq %d: %w", spec.Type, n, sysbus.ErrNoIRQ)
			}
			ctx.connectLine(sbd, n, irq)
		}
	}
	slog.Debug("machine: device created", "path", object.CanonicalPath(dev), "type", spec.Type)
	return dev, nil
}
