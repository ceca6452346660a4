package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func constRegion(name string, size uint64, value uint32) *Region {
	return NewRegion(name, size, SimpleOps{
		ReadFunc: func(offset uint64, data []byte) error {
			binary.LittleEndian.PutUint32(data, value)
			return nil
		},
	})
}

func read32(t *testing.T, r *Region, addr uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := r.Read(addr, buf); err != nil {
		t.Fatalf("read 0x%x: %v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func TestSubregionOverlapRules(t *testing.T) {
	sys := NewContainer("system", Unbounded)
	a := constRegion("a", 0x1000, 1)
	if err := sys.AddSubregion(0x1000, a); err != nil {
		t.Fatal(err)
	}
	if err := sys.AddSubregion(0x1800, constRegion("b", 0x1000, 2)); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlap: %v", err)
	}
	if err := sys.AddSubregion(0x2000, constRegion("c", 0x1000, 3)); err != nil {
		t.Fatalf("adjacent: %v", err)
	}
	if err := sys.AddSubregion(0x3000, a); !errors.Is(err, ErrMapped) {
		t.Fatalf("double map: %v", err)
	}

	hi := constRegion("hi", 0x800, 9)
	if err := sys.AddSubregionOverlap(0x1400, hi, 1); err != nil {
		t.Fatal(err)
	}
	if got := read32(t, sys, 0x1400); got != 9 {
		t.Fatalf("priority dispatch = %d", got)
	}
	if got := read32(t, sys, 0x1000); got != 1 {
		t.Fatalf("underlying dispatch = %d", got)
	}

	if err := sys.RemoveSubregion(hi); err != nil {
		t.Fatal(err)
	}
	if got := read32(t, sys, 0x1400); got != 1 {
		t.Fatalf("after unmap = %d", got)
	}
	if err := sys.RemoveSubregion(hi); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("double unmap: %v", err)
	}
}

func TestNestedContainersAndRAM(t *testing.T) {
	sys := NewContainer("system", Unbounded)
	window := NewContainer("window", 0x10000)
	if err := sys.AddSubregion(0x4000_0000, window); err != nil {
		t.Fatal(err)
	}
	mem := NewRAM("ram", 0x2000)
	if err := window.AddSubregion(0x1000, mem); err != nil {
		t.Fatal(err)
	}
	if err := window.AddSubregion(0xf000, NewRAM("big", 0x2000)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("out of range: %v", err)
	}
	if mem.AbsoluteAddr() != 0x4000_1000 {
		t.Fatalf("absolute addr = 0x%x", mem.AbsoluteAddr())
	}

	payload := []byte("crosses a page boundary")
	if err := sys.Write(0x4000_1000+0xff8, payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := sys.Read(0x4000_1000+0xff8, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ram read back %q", got)
	}

	if err := sys.Read(0x5000_0000, got); !errors.Is(err, ErrUnhandled) {
		t.Fatalf("unmapped read: %v", err)
	}

	var out strings.Builder
	if err := sys.WriteTree(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "    0000000040001000-0000000040002fff (prio 0): ram") {
		t.Fatalf("mtree:\n%s", out.String())
	}
}

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct{ v, a, want uint64 }{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
		{7, 0, 7},
	} {
		if got := AlignUp(tc.v, tc.a); got != tc.want {
			t.Fatalf("AlignUp(0x%x, 0x%x) = 0x%x, want 0x%x", tc.v, tc.a, got, tc.want)
		}
	}
}
