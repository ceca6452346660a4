// Package memory models guest-physical memory regions: leaf regions with
// access callbacks, containers that map subregions at fixed offsets, and
// the dispatch of accesses through the resulting hierarchy.
package memory

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/btree"
)

var (
	ErrOverlap      = errors.New("overlaps an existing mapping")
	ErrOutOfRange   = errors.New("outside the container")
	ErrMapped       = errors.New("region is already mapped")
	ErrNotMapped    = errors.New("region is not mapped here")
	ErrUnhandled    = errors.New("no region handles the access")
	ErrNotContainer = errors.New("region is not a container")
)

// Ops handles accesses to a leaf region. Offsets are relative to the start
// of the region.
type Ops interface {
	ReadMMIO(offset uint64, data []byte) error
	WriteMMIO(offset uint64, data []byte) error
}

// SimpleOps adapts a pair of functions to Ops.
type SimpleOps struct {
	ReadFunc  func(offset uint64, data []byte) error
	WriteFunc func(offset uint64, data []byte) error
}

func (o SimpleOps) ReadMMIO(offset uint64, data []byte) error {
	if o.ReadFunc != nil {
		return o.ReadFunc(offset, data)
	}
	return fmt.Errorf("unhandled read at offset 0x%X", offset)
}

func (o SimpleOps) WriteMMIO(offset uint64, data []byte) error {
	if o.WriteFunc != nil {
		return o.WriteFunc(offset, data)
	}
	return fmt.Errorf("unhandled write at offset 0x%X", offset)
}

var _ Ops = SimpleOps{}

// Region is one node of the memory hierarchy.
type Region struct {
	name string
	size uint64
	ops  Ops

	container *Region
	addr      uint64
	priority  int
	overlap   bool
	seq       uint64

	subregions *btree.BTreeG[*Region]
	nextSeq    uint64
}

// Unbounded is the size of a container spanning the whole address space.
const Unbounded = math.MaxUint64

func regionLess(a, b *Region) bool {
	if a.addr != b.addr {
		return a.addr < b.addr
	}
	return a.seq < b.seq
}

// NewRegion creates a leaf region of size bytes served by ops.
func NewRegion(name string, size uint64, ops Ops) *Region {
	return &Region{name: name, size: size, ops: ops}
}

// NewContainer creates a region that only routes accesses to its
// subregions.
func NewContainer(name string, size uint64) *Region {
	return &Region{
		name:       name,
		size:       size,
		subregions: btree.NewG[*Region](8, regionLess),
	}
}

func (r *Region) Name() string { return r.name }

func (r *Region) Size() uint64 { return r.size }

// Addr is the offset of r inside its container.
func (r *Region) Addr() uint64 { return r.addr }

func (r *Region) Container() *Region { return r.container }

func (r *Region) Priority() int { return r.priority }

func (r *Region) IsMapped() bool { return r.container != nil }

func (r *Region) IsContainer() bool { return r.subregions != nil }

// AbsoluteAddr is the address of r in the root of its hierarchy.
func (r *Region) AbsoluteAddr() uint64 {
	addr := r.addr
	for c := r.container; c != nil && c.container != nil; c = c.container {
		addr += c.addr
	}
	return addr
}

func (r *Region) String() string {
	return fmt.Sprintf("%s[0x%x+0x%x]", r.name, r.addr, r.size)
}

func intersects(a, asize, b, bsize uint64) bool {
	if asize == 0 || bsize == 0 {
		return false
	}
	return a <= b+(bsize-1) && b <= a+(asize-1)
}

// Overlapping returns the subregions intersecting [addr, addr+size).
func (c *Region) Overlapping(addr, size uint64) []*Region {
	if c.subregions == nil || size == 0 {
		return nil
	}
	var out []*Region
	last := addr + (size - 1)
	if last < addr {
		last = math.MaxUint64
	}
	c.subregions.DescendLessOrEqual(&Region{addr: last, seq: math.MaxUint64}, func(sub *Region) bool {
		if intersects(addr, size, sub.addr, sub.size) {
			out = append(out, sub)
		}
		return true
	})
	return out
}

func (c *Region) addSubregion(addr uint64, sub *Region, priority int, overlap bool) error {
	if c.subregions == nil {
		return fmt.Errorf("memory: map %s into %s: %w", sub.name, c.name, ErrNotContainer)
	}
	if sub.container != nil {
		return fmt.Errorf("memory: map %s into %s: %w (in %s at 0x%x)",
			sub.name, c.name, ErrMapped, sub.container.name, sub.addr)
	}
	if addr > c.size || sub.size > c.size-addr {
		return fmt.Errorf("memory: map %s at 0x%x size 0x%x into %s (size 0x%x): %w",
			sub.name, addr, sub.size, c.name, c.size, ErrOutOfRange)
	}
	if !overlap {
		for _, other := range c.Overlapping(addr, sub.size) {
			if !other.overlap {
				return fmt.Errorf("memory: map %s at 0x%x: %w %s", sub.name, addr, ErrOverlap, other)
			}
		}
	}
	sub.container = c
	sub.addr = addr
	sub.priority = priority
	sub.overlap = overlap
	sub.seq = c.nextSeq
	c.nextSeq++
	c.subregions.ReplaceOrInsert(sub)
	return nil
}

// AddSubregion maps sub at addr. The new mapping may not intersect any
// other mapping except those added with AddSubregionOverlap.
func (c *Region) AddSubregion(addr uint64, sub *Region) error {
	return c.addSubregion(addr, sub, 0, false)
}

// AddSubregionOverlap maps sub at addr, allowing it to intersect other
// mappings. Where mappings intersect, accesses go to the highest priority,
// then to the most recently added.
func (c *Region) AddSubregionOverlap(addr uint64, sub *Region, priority int) error {
	return c.addSubregion(addr, sub, priority, true)
}

// RemoveSubregion unmaps sub from c.
func (c *Region) RemoveSubregion(sub *Region) error {
	if sub.container != c {
		return fmt.Errorf("memory: unmap %s from %s: %w", sub.name, c.name, ErrNotMapped)
	}
	c.subregions.Delete(sub)
	sub.container = nil
	sub.addr = 0
	sub.priority = 0
	sub.overlap = false
	return nil
}

// Subregions returns the direct subregions in address order.
func (c *Region) Subregions() []*Region {
	if c.subregions == nil {
		return nil
	}
	out := make([]*Region, 0, c.subregions.Len())
	c.subregions.Ascend(func(sub *Region) bool {
		out = append(out, sub)
		return true
	})
	return out
}

// lookup picks the subregion that serves [addr, addr+size).
func (c *Region) lookup(addr, size uint64) *Region {
	var best *Region
	for _, sub := range c.Overlapping(addr, size) {
		if addr < sub.addr || size > sub.size || addr-sub.addr > sub.size-size {
			continue
		}
		if best == nil || sub.priority > best.priority ||
			(sub.priority == best.priority && sub.seq > best.seq) {
			best = sub
		}
	}
	return best
}

func (r *Region) access(addr uint64, data []byte, write bool) error {
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if addr+size < addr {
		return fmt.Errorf("memory: access overflow at 0x%016x", addr)
	}
	if r.subregions != nil {
		if sub := r.lookup(addr, size); sub != nil {
			return sub.access(addr-sub.addr, data, write)
		}
	}
	if r.ops == nil || addr > r.size || size > r.size-addr {
		return fmt.Errorf("memory: %s: 0x%016x (+%d): %w", r.name, addr, size, ErrUnhandled)
	}
	if write {
		return r.ops.WriteMMIO(addr, data)
	}
	return r.ops.ReadMMIO(addr, data)
}

// Read dispatches a read at addr, relative to r.
func (r *Region) Read(addr uint64, data []byte) error { return r.access(addr, data, false) }

// Write dispatches a write at addr, relative to r.
func (r *Region) Write(addr uint64, data []byte) error { return r.access(addr, data, true) }

// AlignUp rounds value up to a power-of-two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
