package platformbus

import (
	"errors"
	"slices"
	"testing"

	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/sysbus"
)

func mustPanic(t *testing.T, fn func()) *object.FatalError {
	t.Helper()
	var fe *object.FatalError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			var ok bool
			if fe, ok = r.(*object.FatalError); !ok {
				panic(r)
			}
		}()
		fn()
	}()
	if fe == nil {
		t.Fatalf("expected a fatal error")
	}
	return fe
}

type dynDev struct {
	sysbus.Device
}

func dynType(name string, dynamic bool, size uint64, irqs int) object.TypeInfo {
	return object.TypeInfo{
		Name:   name,
		Parent: sysbus.TypeDevice,
		New:    func() object.Instance { return &dynDev{} },
		ClassInit: func(c *object.Class, _ any) {
			dc := sysbus.GetDeviceClass(c)
			dc.AllowDynamic = dynamic
			dc.Compatible = []string{"test," + name}
		},
		InstanceInit: func(obj object.Instance) {
			d := obj.(*dynDev)
			sysbus.InitMMIO(d, memory.NewRegion(name, size, nil))
			sysbus.InitIRQs(d, irqs)
		},
	}
}

func newRegistry() *object.Registry {
	r := object.NewRegistry()
	r.RegisterTypes(
		dynType("dyn-small", true, 0x100, 1),
		dynType("dyn-big", true, 0x1000, 2),
		dynType("dyn-odd", true, 0x180, 0),
		dynType("static-dev", false, 0x100, 1),
		dynType("dyn-huge", true, 1<<62+1, 0),
	)
	return r
}

func newPlatformBus(t *testing.T, r *object.Registry, irqs uint32, size uint64) *Device {
	t.Helper()
	p := r.New(TypeDevice).(*Device)
	if err := object.SetUint(p, "num_irqs", uint64(irqs)); err != nil {
		t.Fatalf("num_irqs: %v", err)
	}
	if err := object.SetUint(p, "mmio_size", size); err != nil {
		t.Fatalf("mmio_size: %v", err)
	}
	if err := sysbus.RealizeAndUnref(p); err != nil {
		t.Fatalf("realize platform bus: %v", err)
	}
	return p
}

// newDev creates a user device: one placed in a dynamic container.
func newDev(t *testing.T, r *object.Registry, typename string) sysbus.Instance {
	t.Helper()
	dev := r.New(typename).(sysbus.Instance)
	object.AddChild(object.ContainerGet(r.Root(), "/machine/peripheral-anon"), "device[*]", dev)
	if err := sysbus.RealizeAndUnref(dev); err != nil {
		t.Fatalf("realize %s: %v", typename, err)
	}
	return dev
}

// newBoardDev creates a device the way board code does.
func newBoardDev(t *testing.T, r *object.Registry, typename string) sysbus.Instance {
	t.Helper()
	dev := r.New(typename).(sysbus.Instance)
	if err := sysbus.RealizeAndUnref(dev); err != nil {
		t.Fatalf("realize %s: %v", typename, err)
	}
	return dev
}

func TestRealizeRequiresSizes(t *testing.T) {
	r := newRegistry()
	p := r.New(TypeDevice).(*Device)
	if err := sysbus.RealizeAndUnref(p); err == nil {
		t.Fatalf("realized without num_irqs and mmio_size")
	}
	if p.Realized() {
		t.Fatalf("realized flag set after failure")
	}

	p = r.New(TypeDevice).(*Device)
	if err := object.SetUint(p, "num_irqs", sysbus.MaxIRQ+1); err != nil {
		t.Fatalf("num_irqs: %v", err)
	}
	if err := object.SetUint(p, "mmio_size", 0x1000); err != nil {
		t.Fatalf("mmio_size: %v", err)
	}
	if err := sysbus.RealizeAndUnref(p); err == nil {
		t.Fatalf("realized with more lines than a sysbus device has")
	}
	if p.Realized() || p.NumIRQ() != 0 {
		t.Fatalf("failed realize claimed outputs")
	}
}

func TestMMIOPlacementFullAddressSpace(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 1, memory.Unbounded)

	a, b := newDev(t, r, "dyn-huge"), newDev(t, r, "dyn-huge")
	for _, dev := range []sysbus.Instance{a, b} {
		if err := LinkDevice(p, dev); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	if GetMMIOAddr(p, a, 0) != 0 || GetMMIOAddr(p, b, 0) != 1<<63 {
		t.Fatalf("placed at %#x and %#x", GetMMIOAddr(p, a, 0), GetMMIOAddr(p, b, 0))
	}
	extra := newDev(t, r, "dyn-huge")
	fe := mustPanic(t, func() { _ = LinkDevice(p, extra) })
	if !errors.Is(fe, ErrNoSpace) {
		t.Fatalf("fatal = %v", fe)
	}
}

func TestIRQAllocationLowestFirst(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 4, 0x10000)

	a := newDev(t, r, "dyn-small")
	b := newDev(t, r, "dyn-big")
	c := newDev(t, r, "dyn-small")
	for _, dev := range []sysbus.Instance{a, b, c} {
		if err := LinkDevice(p, dev); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	if GetIRQN(p, a, 0) != 0 || GetIRQN(p, b, 0) != 1 || GetIRQN(p, b, 1) != 2 || GetIRQN(p, c, 0) != 3 {
		t.Fatalf("irqs = %d %d %d %d", GetIRQN(p, a, 0), GetIRQN(p, b, 0), GetIRQN(p, b, 1), GetIRQN(p, c, 0))
	}
	if GetIRQN(p, a, 1) != -1 {
		t.Fatalf("nonexistent output has a line")
	}
	if got := p.UsedIRQs(); !slices.Equal(got, []uint32{0, 1, 2, 3}) {
		t.Fatalf("used = %v", got)
	}

	d := newDev(t, r, "dyn-small")
	fe := mustPanic(t, func() { _ = LinkDevice(p, d) })
	if !errors.Is(fe, ErrNoIRQs) {
		t.Fatalf("fatal = %v", fe)
	}
}

func TestAlignment(t *testing.T) {
	for _, tc := range []struct{ size, want uint64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {0x180, 0x200}, {0x1000, 0x1000}, {0x1001, 0x2000},
	} {
		if got := Alignment(tc.size); got != tc.want {
			t.Errorf("Alignment(%#x) = %#x, want %#x", tc.size, got, tc.want)
		}
	}
}

func TestMMIOPlacement(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 32, 0x4000)

	var devs []sysbus.Instance
	for _, typename := range []string{"dyn-small", "dyn-big", "dyn-odd", "dyn-small", "dyn-big", "dyn-big"} {
		dev := newDev(t, r, typename)
		if err := LinkDevice(p, dev); err != nil {
			t.Fatalf("link %s: %v", typename, err)
		}
		devs = append(devs, dev)
	}
	want := []uint64{0, 0x1000, 0x200, 0x100, 0x2000, 0x3000}
	for i, dev := range devs {
		off := GetMMIOAddr(p, dev, 0)
		if off != want[i] {
			t.Errorf("device %d at %#x, want %#x", i, off, want[i])
		}
		size := sysbus.MMIOGetRegion(dev, 0).Size()
		if off%Alignment(size) != 0 {
			t.Errorf("device %d at %#x is not aligned to %#x", i, off, Alignment(size))
		}
		if sysbus.MMIOAddr(dev, 0) != sysbus.Unmapped {
			t.Errorf("device %d has a sysbus address", i)
		}
	}
	for i, a := range devs {
		ra := sysbus.MMIOGetRegion(a, 0)
		for _, b := range devs[i+1:] {
			rb := sysbus.MMIOGetRegion(b, 0)
			if ra.Addr() < rb.Addr()+rb.Size() && rb.Addr() < ra.Addr()+ra.Size() {
				t.Fatalf("%s and %s overlap", ra.Name(), rb.Name())
			}
		}
	}

	extra := newDev(t, r, "dyn-big")
	fe := mustPanic(t, func() { _ = LinkDevice(p, extra) })
	if !errors.Is(fe, ErrNoSpace) {
		t.Fatalf("fatal = %v", fe)
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 8, 0x4000)
	dev := newDev(t, r, "dyn-big")

	if err := LinkDevice(p, dev); err != nil {
		t.Fatalf("link: %v", err)
	}
	irq, addr := GetIRQN(p, dev, 1), GetMMIOAddr(p, dev, 0)
	if err := LinkDevice(p, dev); err != nil {
		t.Fatalf("second link: %v", err)
	}
	if GetIRQN(p, dev, 1) != irq || GetMMIOAddr(p, dev, 0) != addr {
		t.Fatalf("resources moved on relink")
	}
	if len(p.Linked()) != 1 || len(p.UsedIRQs()) != 2 {
		t.Fatalf("linked = %d, used = %v", len(p.Linked()), p.UsedIRQs())
	}
}

func TestLinkSkipsMappedResources(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 8, 0x4000)
	dev := newDev(t, r, "dyn-small")

	if err := sysbus.MMIOMap(dev, 0, 0x9000); err != nil {
		t.Fatalf("map: %v", err)
	}
	line := qdev.NewIRQ(r, func(int, bool) {}, 0)
	sysbus.ConnectIRQ(dev, 0, line)
	object.Unref(line)

	if err := LinkDevice(p, dev); err != nil {
		t.Fatalf("link: %v", err)
	}
	if GetMMIOAddr(p, dev, 0) != sysbus.Unmapped || sysbus.MMIOAddr(dev, 0) != 0x9000 {
		t.Fatalf("mapped region was moved")
	}
	if GetIRQN(p, dev, 0) != -1 || len(p.UsedIRQs()) != 0 {
		t.Fatalf("connected output was remapped")
	}
}

func TestLinkRejects(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 8, 0x4000)
	static := newBoardDev(t, r, "static-dev")
	if err := LinkDevice(p, static); !errors.Is(err, ErrNotDynamic) {
		t.Fatalf("err = %v, want ErrNotDynamic", err)
	}
	if sysbus.IsIRQConnected(static, 0) || sysbus.MMIOGetRegion(static, 0).IsMapped() {
		t.Fatalf("rejected device got resources")
	}

	unrealized := r.New(TypeDevice).(*Device)
	defer object.Unref(unrealized)
	if err := LinkDevice(unrealized, newDev(t, r, "dyn-small")); err == nil {
		t.Fatalf("linked onto an unrealized platform bus")
	}
}

func TestLinkDynamicDevicesAndRefresh(t *testing.T) {
	r := newRegistry()
	a := newDev(t, r, "dyn-small")
	board := newBoardDev(t, r, "dyn-small")
	b := newDev(t, r, "dyn-big")
	p := newPlatformBus(t, r, 8, 0x4000)

	if err := LinkDynamicDevices(p); err != nil {
		t.Fatalf("link all: %v", err)
	}
	if got := p.Linked(); len(got) != 2 || !slices.Contains(got, a) || !slices.Contains(got, b) {
		t.Fatalf("linked = %v", got)
	}
	if GetIRQN(p, board, 0) != -1 || sysbus.MMIOGetRegion(board, 0).IsMapped() {
		t.Fatalf("board device linked")
	}
	before := p.UsedIRQs()
	if len(before) != 3 {
		t.Fatalf("used = %v", before)
	}

	p.used.ClearAll()
	RefreshIRQs(p)
	if got := p.UsedIRQs(); !slices.Equal(got, before) {
		t.Fatalf("refreshed = %v, want %v", got, before)
	}

	newDev(t, r, "static-dev")
	if err := LinkDynamicDevices(p); !errors.Is(err, ErrNotDynamic) {
		t.Fatalf("err = %v, want ErrNotDynamic", err)
	}
}

func TestIRQForwarding(t *testing.T) {
	r := newRegistry()
	p := newPlatformBus(t, r, 4, 0x4000)
	var got []int
	sink := qdev.NewIRQs(r, func(n int, level bool) {
		if level {
			got = append(got, n)
		}
	}, 100, 4)
	for n, irq := range sink {
		sysbus.ConnectIRQ(p, n, irq)
		object.Unref(irq)
	}

	a := newDev(t, r, "dyn-small")
	b := newDev(t, r, "dyn-small")
	for _, dev := range []sysbus.Instance{a, b} {
		if err := LinkDevice(p, dev); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	sysbus.SetIRQ(b, 0, true)
	sysbus.SetIRQ(a, 0, true)
	if !slices.Equal(got, []int{101, 100}) {
		t.Fatalf("delivered = %v", got)
	}
}

func TestDeviceTree(t *testing.T) {
	r := newRegistry()
	r.Register(object.TypeInfo{
		Name:   "dyn-tagged",
		Parent: "dyn-small",
		ClassInit: func(c *object.Class, _ any) {
			sysbus.GetDeviceClass(c).FDTNode = func(_ sysbus.Instance, props map[string]fdt.Property) {
				props["clock-names"] = fdt.Strings("apb_pclk")
			}
		},
	})
	p := newPlatformBus(t, r, 8, 0x2000000)
	a := newDev(t, r, "dyn-big")
	b := newDev(t, r, "dyn-tagged")
	for _, dev := range []sysbus.Instance{a, b} {
		if err := LinkDevice(p, dev); err != nil {
			t.Fatalf("link: %v", err)
		}
	}

	node, err := DeviceTree(p, 0xc000000, 112)
	if err != nil {
		t.Fatalf("device tree: %v", err)
	}
	if node.Name != "platform-bus@c000000" {
		t.Fatalf("name = %q", node.Name)
	}
	if got := node.Properties["ranges"].U32; !slices.Equal(got, []uint32{0, 0, 0xc000000, 0x2000000}) {
		t.Fatalf("ranges = %#x", got)
	}
	big := node.Child("dyn-big@0")
	if big == nil {
		t.Fatalf("missing dyn-big node in %+v", node.Children)
	}
	if got := big.Properties["reg"].U32; !slices.Equal(got, []uint32{0, 0x1000}) {
		t.Fatalf("reg = %#x", got)
	}
	if got := big.Properties["interrupts"].U32; !slices.Equal(got, []uint32{0, 112, 4, 0, 113, 4}) {
		t.Fatalf("interrupts = %v", got)
	}
	tagged := node.Child("dyn-small@1000")
	if tagged == nil {
		t.Fatalf("missing tagged node in %+v", node.Children)
	}
	if got := tagged.Properties["clock-names"].Strings; !slices.Equal(got, []string{"apb_pclk"}) {
		t.Fatalf("hook not applied: %v", tagged.Properties)
	}
	if _, err := fdt.Build(fdt.Node{Name: "", Children: []fdt.Node{node}}); err != nil {
		t.Fatalf("build: %v", err)
	}
}
