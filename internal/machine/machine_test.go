package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/qdev/internal/chipset"
	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/platformbus"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/reset"
	"github.com/tinyrange/qdev/internal/sysbus"

	"github.com/tinyrange/qdev/internal/devices/pl031"
	_ "github.com/tinyrange/qdev/internal/devices/serial"
)

const virtConfig = `
name: virt
memory: {base: 0x40000000, size: 0x100000}
platform_bus: {base: 0x0c000000, size: 0x02000000, num_irqs: 4, irq_base: 112}
devices:
  - type: pl031
    id: rtc0
    mmio: [0x09010000]
    irq: [2]
  - type: serial-mm
    id: uart0
    dynamic: true
    props: {regshift: 2}
`

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) SetIRQ(line uint32, level bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "low"
	if level {
		state = "high"
	}
	r.events = append(r.events, fmt.Sprintf("%d:%s", line, state))
}

type fixedDev struct {
	sysbus.Device
}

func newRegistry() *object.Registry {
	r := object.NewRegistry()
	r.Register(object.TypeInfo{
		Name:   "test-fixed",
		Parent: sysbus.TypeDevice,
		New:    func() object.Instance { return &fixedDev{} },
		InstanceInit: func(obj object.Instance) {
			sysbus.InitMMIO(obj.(*fixedDev), memory.NewRegion("fixed", 0x100, nil))
		},
		ClassInit: func(c *object.Class, _ any) {
			qdev.GetDeviceClass(c).UserCreatable = true
		},
	})
	return r
}

func buildVirt(t *testing.T) *Context {
	t.Helper()
	cfg, err := Parse([]byte(virtConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx, err := Build(newRegistry(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() {
		if err := ctx.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return ctx
}

func read32(t *testing.T, ctx *Context, addr uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := ctx.Read(addr, buf); err != nil {
		t.Fatalf("read %#x: %v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(virtConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Memory.Base != 0x40000000 || cfg.PlatformBus.Size != 0x02000000 || cfg.PlatformBus.IRQBase != 112 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Devices[0].MMIO[0] != 0x09010000 || !slices.Equal(cfg.Devices[0].IRQ, []uint32{2}) {
		t.Fatalf("rtc = %+v", cfg.Devices[0])
	}
	if got := cfg.Devices[1].PropStrings(); got["regshift"] != "2" {
		t.Fatalf("props = %v", got)
	}

	for name, src := range map[string]string{
		"unknown field":    "name: x\nbogus: 1\n",
		"bad hex":          "memory: {size: 0xzz}\n",
		"nested prop":      "devices: [{type: pl031, props: {a: [1]}}]\n",
		"missing type":     "devices: [{id: a}]\n",
		"duplicate id":     "devices: [{type: pl031, id: a}, {type: pl031, id: a}]\n",
		"dynamic no pbus":  "devices: [{type: pl031, dynamic: true}]\n",
		"dynamic with irq": "platform_bus: {size: 0x1000, num_irqs: 1}\ndevices: [{type: pl031, dynamic: true, irq: [1]}]\n",
		"empty pbus":       "platform_bus: {base: 0x1000}\n",
		"too many irqs":    "platform_bus: {size: 0x1000, num_irqs: 513}\n",
	} {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("%s: parsed", name)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virt.yml")
	if err := os.WriteFile(path, []byte(virtConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "virt" || len(cfg.Devices) != 2 {
		t.Fatalf("config = %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("loaded a missing file")
	}
}

func TestBuildWiresDevices(t *testing.T) {
	ctx := buildVirt(t)
	r := ctx.Registry()

	rtc, err := r.ResolvePath("/machine/unattached/rtc0")
	if err != nil {
		t.Fatalf("rtc: %v", err)
	}
	if !rtc.(qdev.DeviceInstance).QDev().Realized() {
		t.Fatalf("rtc not realized")
	}
	if got := read32(t, ctx, 0x09010fe0); got != 0x31 {
		t.Fatalf("rtc id = %#x", got)
	}

	if err := ctx.Write(0x40000010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("ram write: %v", err)
	}
	if got := read32(t, ctx, 0x40000010); got != 0x04030201 {
		t.Fatalf("ram = %#x", got)
	}

	obj, err := r.ResolvePath("/machine/peripheral/uart0")
	if err != nil {
		t.Fatalf("uart: %v", err)
	}
	uart := obj.(sysbus.Instance)
	pbus := ctx.PlatformBus()
	if platformbus.GetMMIOAddr(pbus, uart, 0) != 0 || platformbus.GetIRQN(pbus, uart, 0) != 0 {
		t.Fatalf("uart placed at %#x irq %d",
			platformbus.GetMMIOAddr(pbus, uart, 0), platformbus.GetIRQN(pbus, uart, 0))
	}

	// IER.THRE with a 4 byte stride: the idle transmitter interrupts at once.
	if err := ctx.Write(0x0c000004, []byte{0x02}); err != nil {
		t.Fatalf("uart write: %v", err)
	}
	if !ctx.Lines().Level(112) {
		t.Fatalf("uart interrupt did not reach line 112, asserted = %v", ctx.Lines().Asserted())
	}
	ctx.Reset(reset.Cold)
	if ctx.Lines().Level(112) {
		t.Fatalf("line still high after reset")
	}
}

func TestDeviceAdd(t *testing.T) {
	ctx := buildVirt(t)
	pbus := ctx.PlatformBus()

	dev, err := ctx.DeviceAdd(DeviceConfig{Type: "pl031", ID: "rtc1"})
	if err != nil {
		t.Fatalf("device_add: %v", err)
	}
	if got := object.CanonicalPath(dev); got != "/machine/peripheral/rtc1" {
		t.Fatalf("path = %q", got)
	}
	rtc := dev.(sysbus.Instance)
	if platformbus.GetMMIOAddr(pbus, rtc, 0) != 0x1000 || platformbus.GetIRQN(pbus, rtc, 0) != 1 {
		t.Fatalf("rtc1 placed at %#x irq %d", platformbus.GetMMIOAddr(pbus, rtc, 0), platformbus.GetIRQN(pbus, rtc, 0))
	}
	if !dev.QDev().Hotplugged() {
		t.Fatalf("not marked hotplugged")
	}
	if got := read32(t, ctx, 0x0c000000+0x1000+0x0c); got != 1 {
		t.Fatalf("hotplugged rtc was not reset, CR = %d", got)
	}

	anon, err := ctx.DeviceAdd(DeviceConfig{Type: "serial-mm"})
	if err != nil {
		t.Fatalf("anonymous device_add: %v", err)
	}
	if got := object.CanonicalPath(anon); got != "/machine/peripheral-anon/device[0]" {
		t.Fatalf("path = %q", got)
	}

	for _, tc := range []struct {
		name string
		spec DeviceConfig
		want error
	}{
		{"duplicate id", DeviceConfig{Type: "pl031", ID: "rtc1"}, object.ErrDuplicate},
		{"unknown type", DeviceConfig{Type: "nope"}, object.ErrNotFound},
		{"abstract", DeviceConfig{Type: sysbus.TypeDevice}, object.ErrAbstract},
		{"not a device", DeviceConfig{Type: object.TypeContainer}, object.ErrInvalidType},
		{"not user creatable", DeviceConfig{Type: platformbus.TypeDevice}, ErrNotUserCreatable},
		{"not dynamic", DeviceConfig{Type: "test-fixed", ID: "fixed"}, platformbus.ErrNotDynamic},
		{"static mmio", DeviceConfig{Type: "pl031", ID: "clash", MMIO: []Hex64{0x09010800}}, ErrConfig},
		{"bad prop", DeviceConfig{Type: "pl031", ID: "badprop", Props: map[string]Value{"nope": "1"}}, object.ErrNotFound},
	} {
		if _, err := ctx.DeviceAdd(tc.spec); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	for _, id := range []string{"fixed", "clash", "badprop"} {
		if _, err := ctx.Registry().ResolvePath("/machine/peripheral/" + id); err == nil {
			t.Errorf("failed device %q left in the tree", id)
		}
	}
	if got := len(pbus.Linked()); got != 3 {
		t.Fatalf("linked = %d", got)
	}
}

func TestBuildFailureTearsDown(t *testing.T) {
	r := newRegistry()
	cfg := &Config{Devices: []DeviceConfig{
		{Type: "pl031", ID: "rtc0", MMIO: []Hex64{0x1000}},
		{Type: "pl031", ID: "rtc1", MMIO: []Hex64{0x1800}},
	}}
	if _, err := Build(r, cfg, nil); !errors.Is(err, memory.ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
	if _, err := r.ResolvePath("/machine"); err == nil {
		t.Fatalf("machine left in the tree")
	}

	cfg = &Config{
		PlatformBus: &PlatformBusConfig{Size: 0x10000, NumIRQs: 2},
		Devices:     []DeviceConfig{{Type: "test-fixed", Dynamic: true}},
	}
	if _, err := Build(newRegistry(), cfg, nil); !errors.Is(err, platformbus.ErrNotDynamic) {
		t.Fatalf("err = %v, want ErrNotDynamic", err)
	}
}

func TestInterruptSink(t *testing.T) {
	rec := &recorder{}
	cfg, err := Parse([]byte(virtConfig))
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := Build(newRegistry(), cfg, rec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer ctx.Close()

	rtc, err := ctx.Registry().ResolvePath("/machine/unattached/rtc0")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1000, 0)
	rtc.(*pl031.RTC).SetClock(func() time.Time { return now })

	// Load the RTC, enable its interrupt and match the current count.
	put := func(addr uint64, v uint32) {
		if err := ctx.Write(addr, binary.LittleEndian.AppendUint32(nil, v)); err != nil {
			t.Fatalf("write %#x: %v", addr, err)
		}
	}
	put(0x09010008, 500)
	put(0x09010010, 1)
	put(0x09010004, 500)
	put(0x0901001c, 1)
	if !slices.Equal(rec.events, []string{"2:high", "2:low"}) {
		t.Fatalf("events = %v", rec.events)
	}
}

func TestDeviceTree(t *testing.T) {
	ctx := buildVirt(t)
	blob, err := ctx.DeviceTree()
	if err != nil {
		t.Fatalf("device tree: %v", err)
	}
	root, _, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := root.Properties["model"].StringList(); !slices.Equal(got, []string{"virt"}) {
		t.Fatalf("model = %v", got)
	}
	mem := root.Lookup("memory@40000000")
	if mem == nil || !slices.Equal(mem.Properties["reg"].Cells(), []uint32{0, 0x40000000, 0, 0x100000}) {
		t.Fatalf("memory node = %+v", mem)
	}
	rtc := root.Lookup("pl031@9010000")
	if rtc == nil {
		t.Fatalf("rtc node missing")
	}
	if got := rtc.Properties["interrupts"].Cells(); !slices.Equal(got, []uint32{0, 2, 4}) {
		t.Fatalf("rtc interrupts = %v", got)
	}
	uart := root.Lookup("platform-bus@c000000/ns16550a@0")
	if uart == nil {
		t.Fatalf("uart node missing")
	}
	if got := uart.Properties["reg-shift"].Cells(); !slices.Equal(got, []uint32{2}) {
		t.Fatalf("reg-shift = %v", got)
	}
	if got := uart.Properties["interrupts"].Cells(); !slices.Equal(got, []uint32{0, 112, 4}) {
		t.Fatalf("uart interrupts = %v", got)
	}
}

func TestClose(t *testing.T) {
	cfg, err := Parse([]byte(virtConfig))
	if err != nil {
		t.Fatal(err)
	}
	r := newRegistry()
	ctx, err := Build(r, cfg, chipset.InterruptSinkFunc(func(uint32, bool) {}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	uart, err := r.ResolvePath("/machine/peripheral/uart0")
	if err != nil {
		t.Fatal(err)
	}
	object.Ref(uart)
	defer object.Unref(uart)

	if err := ctx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if uart.(qdev.DeviceInstance).QDev().Realized() || uart.Obj().Parent() != nil {
		t.Fatalf("uart survived close")
	}
	if _, err := ctx.DeviceAdd(DeviceConfig{Type: "pl031"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := New(r, nil); err != nil {
		t.Fatalf("new machine after close: %v", err)
	}
}
