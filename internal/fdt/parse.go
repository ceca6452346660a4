package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode"
)

// Parse decodes a blob produced by Build or by firmware. Property values
// come back as raw Bytes, or Flag when empty.
func Parse(blob []byte) (Node, []Reservation, error) {
	if len(blob) < headerSize {
		return Node{}, nil, fmt.Errorf("fdt: %d byte blob: %w", len(blob), ErrInvalid)
	}
	hdr := func(i int) uint32 { return binary.BigEndian.Uint32(blob[i*4:]) }
	if hdr(0) != magic {
		return Node{}, nil, fmt.Errorf("fdt: bad magic %#x: %w", hdr(0), ErrInvalid)
	}
	total := int(hdr(1))
	offStruct, offStrings, offRsv := int(hdr(2)), int(hdr(3)), int(hdr(4))
	sizeStrings, sizeStruct := int(hdr(8)), int(hdr(9))
	if hdr(6) > version || total > len(blob) ||
		offStruct+sizeStruct > total || offStrings+sizeStrings > total || offRsv > total {
		return Node{}, nil, fmt.Errorf("fdt: header out of range: %w", ErrInvalid)
	}

	var reserved []Reservation
	for off := offRsv; ; off += 16 {
		if off+16 > total {
			return Node{}, nil, fmt.Errorf("fdt: unterminated reservation block: %w", ErrInvalid)
		}
		r := Reservation{binary.BigEndian.Uint64(blob[off:]), binary.BigEndian.Uint64(blob[off+8:])}
		if r == (Reservation{}) {
			break
		}
		reserved = append(reserved, r)
	}

	d := &decoder{
		structs: blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	if tok, err := d.token(); err != nil || tok != tokenBeginNode {
		return Node{}, nil, fmt.Errorf("fdt: missing root node: %w", ErrInvalid)
	}
	root, err := d.node()
	if err != nil {
		return Node{}, nil, err
	}
	for {
		tok, err := d.token()
		if err != nil {
			return Node{}, nil, err
		}
		if tok == tokenEnd {
			return root, reserved, nil
		}
		if tok != tokenNop {
			return Node{}, nil, fmt.Errorf("fdt: token %#x after root: %w", tok, ErrInvalid)
		}
	}
}

type decoder struct {
	structs []byte
	strings []byte
	off     int
}

func (d *decoder) token() (uint32, error) {
	if d.off+4 > len(d.structs) {
		return 0, fmt.Errorf("fdt: truncated structure block: %w", ErrInvalid)
	}
	v := binary.BigEndian.Uint32(d.structs[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) cstring(buf []byte, off int) (string, int, error) {
	if off < 0 || off > len(buf) {
		return "", 0, fmt.Errorf("fdt: string offset %d: %w", off, ErrInvalid)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("fdt: unterminated string: %w", ErrInvalid)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

func align4(v int) int { return (v + 3) &^ 3 }

// node decodes the body of a node whose begin token was just read.
func (d *decoder) node() (Node, error) {
	name, next, err := d.cstring(d.structs, d.off)
	if err != nil {
		return Node{}, err
	}
	d.off = align4(next)
	n := Node{Name: name}
	for {
		tok, err := d.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenNop:
		case tokenEndNode:
			return n, nil
		case tokenBeginNode:
			child, err := d.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case tokenProp:
			size, err := d.token()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := d.token()
			if err != nil {
				return Node{}, err
			}
			if d.off+int(size) > len(d.structs) {
				return Node{}, fmt.Errorf("fdt: property overruns structure block: %w", ErrInvalid)
			}
			pname, _, err := d.cstring(d.strings, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			var p Property
			if size == 0 {
				p.Flag = true
			} else {
				p.Bytes = bytes.Clone(d.structs[d.off : d.off+int(size)])
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[pname] = p
			d.off = align4(d.off + int(size))
		default:
			return Node{}, fmt.Errorf("fdt: unexpected token %#x in %q: %w", tok, name, ErrInvalid)
		}
	}
}

// Cells reinterprets a raw property as 32-bit cells.
func (p Property) Cells() []uint32 {
	if len(p.U32) > 0 {
		return p.U32
	}
	data, err := p.Encode()
	if err != nil || len(data)%4 != 0 {
		return nil
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return out
}

// StringList reinterprets a raw property as a NUL separated string list.
func (p Property) StringList() []string {
	if len(p.Strings) > 0 {
		return p.Strings
	}
	if len(p.Bytes) == 0 || p.Bytes[len(p.Bytes)-1] != 0 {
		return nil
	}
	return strings.Split(string(p.Bytes[:len(p.Bytes)-1]), "\x00")
}

func printable(list []string) bool {
	for _, s := range list {
		if s == "" {
			return false
		}
		for _, r := range s {
			if !unicode.IsPrint(r) {
				return false
			}
		}
	}
	return len(list) > 0
}

// Format writes n in device-tree source syntax.
func Format(w io.Writer, n Node) error {
	return format(w, n, 0)
}

func format(w io.Writer, n Node, depth int) error {
	indent := strings.Repeat("\t", depth)
	name := n.Name
	if name == "" {
		name = "/"
	}
	if _, err := fmt.Fprintf(w, "%s%s {\n", indent, name); err != nil {
		return err
	}
	names := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		p := n.Properties[k]
		var val string
		switch {
		case p.Flag:
		case printable(p.StringList()):
			val = `"` + strings.Join(p.StringList(), `", "`) + `"`
		case p.Cells() != nil:
			var cells []string
			for _, c := range p.Cells() {
				cells = append(cells, fmt.Sprintf("%#x", c))
			}
			val = "<" + strings.Join(cells, " ") + ">"
		default:
			data, _ := p.Encode()
			val = fmt.Sprintf("[% x]", data)
		}
		if val == "" {
			_, err := fmt.Fprintf(w, "%s\t%s;\n", indent, k)
			if err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s = %s;\n", indent, k, val); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := format(w, c, depth+1); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s};\n", indent)
	return err
}
