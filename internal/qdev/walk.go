package qdev

import (
	"errors"
	"slices"
)

// SkipChildren returned from a pre-order callback skips the children of
// the bus or device being visited. It is not returned by the walk.
var SkipChildren = errors.New("skip children")

// WalkFuncs are the callbacks of a tree walk. Any of them may be nil.
// Pre callbacks run before an object's children, post callbacks after.
type WalkFuncs struct {
	PreDevice  func(dev DeviceInstance) error
	PreBus     func(bus BusInstance) error
	PostDevice func(dev DeviceInstance) error
	PostBus    func(bus BusInstance) error
}

// WalkBus visits bus, its devices and, below each device, the device's
// buses. The walk stops at the first error other than SkipChildren.
func WalkBus(bus BusInstance, fns WalkFuncs) error {
	if fns.PreBus != nil {
		if err := fns.PreBus(bus); err != nil {
			if errors.Is(err, SkipChildren) {
				return nil
			}
			return err
		}
	}
	for _, kid := range slices.Clone(bus.QBus().children) {
		if err := WalkDevice(kid.dev, fns); err != nil {
			return err
		}
	}
	if fns.PostBus != nil {
		return fns.PostBus(bus)
	}
	return nil
}

// WalkDevice visits dev and everything on its buses.
func WalkDevice(dev DeviceInstance, fns WalkFuncs) error {
	if fns.PreDevice != nil {
		if err := fns.PreDevice(dev); err != nil {
			if errors.Is(err, SkipChildren) {
				return nil
			}
			return err
		}
	}
	for _, bus := range slices.Clone(dev.QDev().childBuses) {
		if err := WalkBus(bus, fns); err != nil {
			return err
		}
	}
	if fns.PostDevice != nil {
		return fns.PostDevice(dev)
	}
	return nil
}
