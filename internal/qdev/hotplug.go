package qdev

import (
	"reflect"

	"github.com/tinyrange/qdev/internal/object"
)

// TypeHotplugHandler is the interface implemented by objects that approve
// and wire devices plugged into a bus.
const TypeHotplugHandler = "hotplug-handler"

// HotplugHandler is attached to a bus and sees every device realized on
// it. PrePlug may veto a device before its realize hook runs; Plug runs
// after it.
type HotplugHandler interface {
	object.Instance
	PrePlug(dev DeviceInstance) error
	Plug(dev DeviceInstance) error
	Unplug(dev DeviceInstance) error
}

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:        TypeHotplugHandler,
			Parent:      object.TypeInterface,
			GoInterface: reflect.TypeFor[HotplugHandler](),
		})
	})
}
