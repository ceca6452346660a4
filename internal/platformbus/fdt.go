package platformbus

import (
	"fmt"

	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/sysbus"
)

// Interrupt specifier cells for an ARM GIC parent.
const (
	gicSPI           = 0
	irqTypeLevelHigh = 4
)

// DeviceTree describes p and every linked device as a simple-bus node.
// base is where the machine mapped the window and irqBase is the
// interrupt controller input line 0 of p is wired to. Devices without a
// compatible string cannot be described.
func DeviceTree(p *Device, base uint64, irqBase uint32) (fdt.Node, error) {
	node := fdt.Node{
		Name: fmt.Sprintf("platform-bus@%x", base),
		Properties: map[string]fdt.Property{
			"compatible":     fdt.Strings("qemu,platform", "simple-bus"),
			"#address-cells": fdt.U32(1),
			"#size-cells":    fdt.U32(1),
			"ranges":         fdt.U32(0, uint32(base>>32), uint32(base), uint32(p.mmioSize)),
		},
	}
	for _, dev := range p.linked {
		dc := sysbus.GetDeviceClass(dev.Obj().Class())
		if len(dc.Compatible) == 0 {
			return fdt.Node{}, fmt.Errorf("platform-bus: %q (%s) has no device-tree binding",
				object.CanonicalPath(dev), dev.Obj().TypeName())
		}
		var reg, interrupts []uint32
		first := sysbus.Unmapped
		for n := 0; sysbus.HasMMIO(dev, n); n++ {
			off := GetMMIOAddr(p, dev, n)
			if off == sysbus.Unmapped {
				continue
			}
			if first == sysbus.Unmapped {
				first = off
			}
			reg = append(reg, uint32(off), uint32(sysbus.MMIOGetRegion(dev, n).Size()))
		}
		for n := 0; sysbus.HasIRQ(dev, n); n++ {
			if irqn := GetIRQN(p, dev, n); irqn >= 0 {
				interrupts = append(interrupts, gicSPI, irqBase+uint32(irqn), irqTypeLevelHigh)
			}
		}
		name := sysbus.NodeName(dev)
		if first != sysbus.Unmapped {
			name = fmt.Sprintf("%s@%x", name, first)
		}
		child := fdt.Node{
			Name: name,
			Properties: map[string]fdt.Property{
				"compatible": fdt.Strings(dc.Compatible...),
			},
		}
		if len(reg) > 0 {
			child.Properties["reg"] = fdt.U32(reg...)
		}
		if len(interrupts) > 0 {
			child.Properties["interrupts"] = fdt.U32(interrupts...)
		}
		if dc.FDTNode != nil {
			dc.FDTNode(dev, child.Properties)
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
