package memory

import (
	"fmt"
	"io"
	"strings"
)

// Mapping is one entry of a flattened memory tree.
type Mapping struct {
	Name     string
	Base     uint64
	Size     uint64
	Priority int
	Depth    int
}

// Mappings lists r and everything mapped below it, depth first in address
// order, with absolute base addresses.
func (r *Region) Mappings() []Mapping {
	var out []Mapping
	var walk func(reg *Region, base uint64, depth int)
	walk = func(reg *Region, base uint64, depth int) {
		out = append(out, Mapping{
			Name:     reg.name,
			Base:     base,
			Size:     reg.size,
			Priority: reg.priority,
			Depth:    depth,
		})
		for _, sub := range reg.Subregions() {
			walk(sub, base+sub.addr, depth+1)
		}
	}
	walk(r, 0, 0)
	return out
}

// WriteTree prints the memory tree in the style of a monitor's "info mtree".
func (r *Region) WriteTree(w io.Writer) error {
	for _, m := range r.Mappings() {
		end := m.Base + m.Size - 1
		if m.Size == 0 {
			end = m.Base
		}
		_, err := fmt.Fprintf(w, "%s%016x-%016x (prio %d): %s\n",
			strings.Repeat("  ", m.Depth), m.Base, end, m.Priority, m.Name)
		if err != nil {
			return err
		}
	}
	return nil
}
