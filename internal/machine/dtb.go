package machine

import (
	"fmt"

	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/platformbus"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/sysbus"
)

// DeviceTreeNode describes the machine: its RAM, every statically mapped
// sysbus device with a binding and the platform bus with its linked
// devices.
func (ctx *Context) DeviceTreeNode() (fdt.Node, error) {
	name := ctx.cfg.Name
	if name == "" {
		name = "qdev"
	}
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": fdt.U32(2),
			"#size-cells":    fdt.U32(2),
			"compatible":     fdt.Strings("linux,dummy-virt"),
			"model":          fdt.Strings(name),
		},
	}
	if ctx.ram != nil {
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("memory@%x", ctx.ram.Addr()),
			Properties: map[string]fdt.Property{
				"device_type": fdt.Strings("memory"),
				"reg":         fdt.U64(ctx.ram.Addr(), ctx.ram.Size()),
			},
		})
	}

	err := qdev.WalkBus(ctx.bus, qdev.WalkFuncs{
		PreDevice: func(dev qdev.DeviceInstance) error {
			sbd, ok := dev.(sysbus.Instance)
			if !ok {
				return qdev.SkipChildren
			}
			if node, ok := ctx.staticNode(sbd); ok {
				root.Children = append(root.Children, node)
			}
			return qdev.SkipChildren
		},
	})
	if err != nil {
		return fdt.Node{}, err
	}

	if ctx.pbus != nil {
		pb := ctx.cfg.PlatformBus
		node, err := platformbus.DeviceTree(ctx.pbus, uint64(pb.Base), pb.IRQBase)
		if err != nil {
			return fdt.Node{}, fmt.Errorf("machine: %w", err)
		}
		root.Children = append(root.Children, node)
	}
	return root, nil
}

// staticNode describes a sysbus device mapped directly into system memory.
func (ctx *Context) staticNode(dev sysbus.Instance) (fdt.Node, bool) {
	sc := sysbus.GetDeviceClass(dev.Obj().Class())
	base := sysbus.MMIOAddr(dev, 0)
	if len(sc.Compatible) == 0 || base == sysbus.Unmapped {
		return fdt.Node{}, false
	}
	props := map[string]fdt.Property{
		"compatible": fdt.Strings(sc.Compatible...),
	}
	var reg []uint64
	for n := 0; sysbus.HasMMIO(dev, n); n++ {
		if addr := sysbus.MMIOAddr(dev, n); addr != sysbus.Unmapped {
			reg = append(reg, addr, sysbus.MMIOGetRegion(dev, n).Size())
		}
	}
	props["reg"] = fdt.U64(reg...)
	var interrupts []uint32
	for n := 0; sysbus.HasIRQ(dev, n); n++ {
		if irq, ok := ctx.lineOf(sysbus.GetConnectedIRQ(dev, n)); ok {
			interrupts = append(interrupts, 0, irq, 4)
		}
	}
	if len(interrupts) > 0 {
		props["interrupts"] = fdt.U32(interrupts...)
	}
	if sc.FDTNode != nil {
		sc.FDTNode(dev, props)
	}
	return fdt.Node{Name: fmt.Sprintf("%s@%x", sysbus.NodeName(dev), base), Properties: props}, true
}

// DeviceTree returns the machine description as a flattened device tree.
func (ctx *Context) DeviceTree() ([]byte, error) {
	node, err := ctx.DeviceTreeNode()
	if err != nil {
		return nil, err
	}
	return fdt.Build(node)
}
