package pl031

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/reset"
	"github.com/tinyrange/qdev/internal/sysbus"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newRTC(t *testing.T) (*RTC, *fakeClock, *[]bool) {
	t.Helper()
	r := object.NewRegistry()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var levels []bool
	line := qdev.NewIRQ(r, func(_ int, level bool) { levels = append(levels, level) }, 0)

	p := r.New(TypeName).(*RTC)
	p.SetClock(clock.now)
	sysbus.ConnectIRQ(p, 0, line)
	object.Unref(line)
	reset.Reset(p, reset.Cold)
	levels = levels[:0]
	t.Cleanup(func() { object.Unref(p) })
	return p, clock, &levels
}

func read32(t *testing.T, p *RTC, off uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := p.ReadMMIO(off, buf); err != nil {
		t.Fatalf("read %#x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func write32(t *testing.T, p *RTC, off uint64, v uint32) {
	t.Helper()
	buf := binary.LittleEndian.AppendUint32(nil, v)
	if err := p.WriteMMIO(off, buf); err != nil {
		t.Fatalf("write %#x: %v", off, err)
	}
}

func TestCounterFollowsClock(t *testing.T) {
	p, clock, _ := newRTC(t)
	if got := read32(t, p, regDR); got != 1_700_000_000 {
		t.Fatalf("DR = %d", got)
	}
	clock.t = clock.t.Add(90 * time.Second)
	if got := read32(t, p, regDR); got != 1_700_000_090 {
		t.Fatalf("DR = %d", got)
	}

	write32(t, p, regLR, 1000)
	clock.t = clock.t.Add(5 * time.Second)
	if got := read32(t, p, regDR); got != 1005 {
		t.Fatalf("DR after load = %d", got)
	}

	write32(t, p, regCR, 0)
	clock.t = clock.t.Add(time.Hour)
	if got := read32(t, p, regDR); got != 1005 {
		t.Fatalf("disabled counter moved to %d", got)
	}
	write32(t, p, regCR, crEnable)
	clock.t = clock.t.Add(2 * time.Second)
	if got := read32(t, p, regDR); got != 1007 {
		t.Fatalf("DR after re-enable = %d", got)
	}

	write32(t, p, regDR, 0)
	if got := read32(t, p, regDR); got != 1007 {
		t.Fatalf("DR writable")
	}
}

func TestMatchInterrupt(t *testing.T) {
	p, clock, levels := newRTC(t)
	write32(t, p, regLR, 100)
	write32(t, p, regIMSC, 1)
	write32(t, p, regMR, 110)
	if read32(t, p, regRIS) != 0 {
		t.Fatalf("raw status set before match")
	}

	clock.t = clock.t.Add(10 * time.Second)
	p.Tick()
	if read32(t, p, regRIS) != 1 || read32(t, p, regMIS) != 1 {
		t.Fatalf("status not set at match")
	}
	write32(t, p, regICR, 1)
	if read32(t, p, regRIS) != 0 {
		t.Fatalf("status not cleared")
	}
	if n := len(*levels); n == 0 || !slices.Contains(*levels, true) || (*levels)[n-1] {
		t.Fatalf("levels = %v", *levels)
	}
}

func TestMaskedMatchKeepsLineLow(t *testing.T) {
	p, _, levels := newRTC(t)
	write32(t, p, regMR, read32(t, p, regDR))
	if read32(t, p, regRIS) != 1 || read32(t, p, regMIS) != 0 {
		t.Fatalf("ris = %d mis = %d", read32(t, p, regRIS), read32(t, p, regMIS))
	}
	if slices.Contains(*levels, true) {
		t.Fatalf("masked interrupt raised the line")
	}
}

func TestIdentification(t *testing.T) {
	p, _, _ := newRTC(t)
	var got []byte
	for off := uint64(0xfe0); off < Size; off += 4 {
		got = append(got, byte(read32(t, p, off)))
	}
	if !slices.Equal(got, cellID[:]) {
		t.Fatalf("id = % x", got)
	}
	buf := make([]byte, 1)
	if err := p.ReadMMIO(0xfe1, buf); err != nil || buf[0] != 0 {
		t.Fatalf("byte read = %#x, %v", buf[0], err)
	}
}

func TestResetAndStartEnabled(t *testing.T) {
	p, clock, _ := newRTC(t)
	write32(t, p, regIMSC, 1)
	write32(t, p, regLR, 5)
	reset.Reset(p, reset.Cold)
	if read32(t, p, regIMSC) != 0 || read32(t, p, regDR) != uint32(clock.t.Unix()) {
		t.Fatalf("registers survived reset")
	}

	if err := object.SetBool(p, "start-enabled", false); err != nil {
		t.Fatalf("set start-enabled: %v", err)
	}
	reset.Reset(p, reset.Cold)
	if read32(t, p, regCR) != 0 {
		t.Fatalf("counter enabled out of reset")
	}
}

func TestClassDescribesDevice(t *testing.T) {
	r := object.NewRegistry()
	c := r.ClassByName(TypeName)
	sc := sysbus.GetDeviceClass(c)
	if !sc.AllowDynamic || !slices.Equal(sc.Compatible, []string{"arm,pl031", "arm,primecell"}) {
		t.Fatalf("sysbus class = %+v", sc)
	}
	if !qdev.GetDeviceClass(c).UserCreatable {
		t.Fatalf("not user creatable")
	}
}
