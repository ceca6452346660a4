package qdev

import (
	"fmt"
	"log/slog"
	"slices"

	"go.uber.org/multierr"

	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/reset"
)

// TypeDevice is the abstract base of all devices.
const TypeDevice = "device"

// DeviceInstance is implemented by every device; types embed Device (or a
// type embedding it) to satisfy it.
type DeviceInstance interface {
	reset.Resettable
	QDev() *Device
}

// DeviceClass holds the per-type device hooks and flags.
type DeviceClass struct {
	Desc string

	// BusType is the bus type the device plugs into; empty for devices
	// that live only in the composition tree.
	BusType string

	UserCreatable bool
	Hotpluggable  bool

	Realize   func(dev DeviceInstance) error
	Unrealize func(dev DeviceInstance)
}

// GetDeviceClass returns the device facet of c.
func GetDeviceClass(c *object.Class) *DeviceClass {
	return object.ClassFacet[DeviceClass](c)
}

// Device is the state shared by all devices.
type Device struct {
	object.Object

	id         string
	realized   bool
	hotplugged bool

	parentBus  BusInstance
	childBuses []BusInstance
	gpios      []*NamedGPIOList

	resetState reset.State
}

func (d *Device) QDev() *Device { return d }

func (d *Device) ResetState() *reset.State { return &d.resetState }

// ResetChildForeach resets the device's own buses.
func (d *Device) ResetChildForeach(fn func(reset.Resettable), _ reset.Type) {
	for _, bus := range slices.Clone(d.childBuses) {
		fn(bus)
	}
}

func (d *Device) ID() string { return d.id }

// SetID names the device. It only affects buses created afterwards.
func (d *Device) SetID(id string) { d.id = id }

func (d *Device) Realized() bool { return d.realized }

func (d *Device) Hotplugged() bool { return d.hotplugged }

// SetHotplugged marks a device created after machine construction. Such
// devices are cold reset as part of realize.
func (d *Device) SetHotplugged(v bool) { d.hotplugged = v }

func (d *Device) ParentBus() BusInstance { return d.parentBus }

func (d *Device) ChildBuses() []BusInstance { return slices.Clone(d.childBuses) }

// ChildBus returns the child bus called name, or nil.
func (d *Device) ChildBus(name string) BusInstance {
	for _, bus := range d.childBuses {
		if bus.QBus().name == name {
			return bus
		}
	}
	return nil
}

// HotplugHandlerFor returns the handler that must approve plugging dev,
// which is the one attached to its bus.
func HotplugHandlerFor(dev DeviceInstance) HotplugHandler {
	if bus := dev.QDev().parentBus; bus != nil {
		return bus.QBus().hotplugHandler
	}
	return nil
}

func deviceInit(obj object.Instance) {
	d := obj.(DeviceInstance).QDev()
	object.AddLink(obj, "parent_bus", TypeBus, &d.parentBus, nil, 0)
}

func unattachedContainer(obj object.Instance) object.Instance {
	return object.ContainerGet(obj.Obj().Registry().Root(), "/machine/unattached")
}

func setDeviceRealized(dev DeviceInstance, value bool) error {
	d := dev.QDev()
	dc := GetDeviceClass(dev.Obj().Class())

	if value == d.realized {
		return nil
	}
	if !value {
		return unrealizeDevice(dev, dc)
	}

	if dc.BusType != "" && d.parentBus == nil {
		return fmt.Errorf("qdev: realize %q: %w of type %q", dev.Obj().TypeName(), ErrNoBus, dc.BusType)
	}
	if dev.Obj().Parent() == nil {
		if _, err := object.TryAddChild(unattachedContainer(dev), "device[*]", dev); err != nil {
			return fmt.Errorf("qdev: realize %q: %w", dev.Obj().TypeName(), err)
		}
	}

	hotplug := HotplugHandlerFor(dev)
	if hotplug != nil {
		if err := hotplug.PrePlug(dev); err != nil {
			return fmt.Errorf("qdev: pre-plug %q: %w", object.CanonicalPath(dev), err)
		}
	}
	if dc.Realize != nil {
		if err := dc.Realize(dev); err != nil {
			slog.Debug("qdev: realize failed", "path", object.CanonicalPath(dev), "err", err)
			return fmt.Errorf("qdev: realize %q: %w", object.CanonicalPath(dev), err)
		}
	}
	if hotplug != nil {
		if err := hotplug.Plug(dev); err != nil {
			if dc.Unrealize != nil {
				dc.Unrealize(dev)
			}
			return fmt.Errorf("qdev: plug %q: %w", object.CanonicalPath(dev), err)
		}
	}

	for i, bus := range d.childBuses {
		if err := RealizeBus(bus); err != nil {
			for _, done := range d.childBuses[:i] {
				_ = UnrealizeBus(done)
			}
			if dc.Unrealize != nil {
				dc.Unrealize(dev)
			}
			return fmt.Errorf("qdev: realize %q: %w", object.CanonicalPath(dev), err)
		}
	}

	d.realized = true
	slog.Debug("qdev: realized", "path", object.CanonicalPath(dev), "type", dev.Obj().TypeName())
	if d.hotplugged {
		reset.Reset(dev, reset.Cold)
	}
	return nil
}

func unrealizeDevice(dev DeviceInstance, dc *DeviceClass) error {
	d := dev.QDev()
	var errs error
	for _, bus := range slices.Clone(d.childBuses) {
		errs = multierr.Append(errs, UnrealizeBus(bus))
	}
	if dc.Unrealize != nil {
		dc.Unrealize(dev)
	}
	d.realized = false
	slog.Debug("qdev: unrealized", "path", object.CanonicalPath(dev))
	return errs
}

// Realize plugs dev into bus, when bus is not nil, and realizes it. A
// device with no composition parent is placed under
// /machine/unattached. On failure the device stays unrealized, but any
// bus attachment made here is kept.
func Realize(dev DeviceInstance, bus BusInstance) error {
	if dev.QDev().realized {
		return fmt.Errorf("qdev: realize %q: %w", object.CanonicalPath(dev), ErrRealized)
	}
	if bus != nil {
		if err := SetParentBus(dev, bus); err != nil {
			return err
		}
	}
	return setDeviceRealized(dev, true)
}

// RealizeAndUnref realizes a freshly created device and drops the
// creator's reference; the composition tree keeps the device alive.
func RealizeAndUnref(dev DeviceInstance, bus BusInstance) error {
	err := Realize(dev, bus)
	object.Unref(dev)
	return err
}

// Unrealize tears dev down: its child buses first, each unrealizing its
// devices, then the device's own hook. Unrealizing an unrealized device
// does nothing.
func Unrealize(dev DeviceInstance) error {
	return setDeviceRealized(dev, false)
}

// Unplug asks the device's hotplug handler to detach it and then removes
// it from the tree.
func Unplug(dev DeviceInstance) error {
	dc := GetDeviceClass(dev.Obj().Class())
	if dev.QDev().realized && !dc.Hotpluggable {
		return fmt.Errorf("qdev: unplug %q: %w", object.CanonicalPath(dev), ErrHotplug)
	}
	if h := HotplugHandlerFor(dev); h != nil {
		if err := h.Unplug(dev); err != nil {
			return fmt.Errorf("qdev: unplug %q: %w", object.CanonicalPath(dev), err)
		}
	}
	object.Unparent(dev)
	return nil
}

func deviceUnparent(obj object.Instance) {
	dev := obj.(DeviceInstance)
	d := dev.QDev()
	if d.realized {
		if err := Unrealize(dev); err != nil {
			slog.Warn("qdev: unrealize on unparent", "path", object.CanonicalPath(dev), "err", err)
		}
	}
	for len(d.childBuses) > 0 {
		object.Unparent(d.childBuses[0])
	}
	if d.parentBus != nil {
		busRemoveChild(d.parentBus, dev)
	}
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:         TypeDevice,
			Parent:       object.TypeObject,
			Abstract:     true,
			New:          func() object.Instance { return &Device{} },
			InstanceInit: deviceInit,
			Interfaces:   []string{reset.TypeResettable},
			ClassInit: func(c *object.Class, _ any) {
				c.Unparent = deviceUnparent
				GetDeviceClass(c).Hotpluggable = true
				object.ClassAddBool(c, "realized",
					func(obj object.Instance) bool { return obj.(DeviceInstance).QDev().realized },
					func(obj object.Instance, v bool) error { return setDeviceRealized(obj.(DeviceInstance), v) },
				)
				object.ClassAddBool(c, "hotpluggable",
					func(obj object.Instance) bool { return GetDeviceClass(obj.Obj().Class()).Hotpluggable },
					nil,
				)
				object.ClassAddBool(c, "hotplugged",
					func(obj object.Instance) bool { return obj.(DeviceInstance).QDev().hotplugged },
					nil,
				)
			},
		})
	})
}
