// Package fdt builds and decodes flattened device trees.
package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid device tree")

// Property is a single device-tree property. Exactly one of the value
// fields is set; a property with none is invalid.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Strings builds a string-list property.
func Strings(v ...string) Property { return Property{Strings: v} }

// U32 builds a property of big-endian 32-bit cells.
func U32(v ...uint32) Property { return Property{U32: v} }

// U64 builds a property of big-endian 64-bit values.
func U64(v ...uint64) Property { return Property{U64: v} }

// Flag builds an empty, presence-only property.
func Flag() Property { return Property{Flag: true} }

func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// Encode returns the on-wire value of p.
func (p Property) Encode() ([]byte, error) {
	switch k := p.kinds(); {
	case k == 0:
		return nil, fmt.Errorf("fdt: property has no value: %w", ErrInvalid)
	case k > 1:
		return nil, fmt.Errorf("fdt: property has %d value kinds: %w", k, ErrInvalid)
	}
	var out []byte
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			if strings.IndexByte(s, 0) >= 0 {
				return nil, fmt.Errorf("fdt: string %q contains NUL: %w", s, ErrInvalid)
			}
			out = append(out, s...)
			out = append(out, 0)
		}
	case len(p.U32) > 0:
		for _, v := range p.U32 {
			out = binary.BigEndian.AppendUint32(out, v)
		}
	case len(p.U64) > 0:
		for _, v := range p.U64 {
			out = binary.BigEndian.AppendUint64(out, v)
		}
	case len(p.Bytes) > 0:
		out = append(out, p.Bytes...)
	}
	return out, nil
}

// Node is a device-tree node. The root node has an empty name.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the direct child called name, or nil.
func (n *Node) Child(name string) *Node {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
	}
	return nil
}

// Lookup resolves a slash separated path below n.
func (n *Node) Lookup(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}
	return cur
}
