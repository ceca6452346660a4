package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Reservation is an entry of the memory reservation block.
type Reservation struct {
	Addr, Size uint64
}

// Build serializes the tree rooted at root into a version 17 blob.
func Build(root Node, reserved ...Reservation) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root, "/"); err != nil {
		return nil, err
	}
	e.token(tokenEnd)

	var rsv []byte
	for _, r := range reserved {
		rsv = binary.BigEndian.AppendUint64(rsv, r.Addr)
		rsv = binary.BigEndian.AppendUint64(rsv, r.Size)
	}
	rsv = append(rsv, make([]byte, 16)...)

	offRsv := headerSize
	offStruct := offRsv + len(rsv)
	offStrings := offStruct + e.structs.Len()
	total := offStrings + e.strings.Len()

	blob := make([]byte, 0, total)
	for _, v := range []int{magic, total, offStruct, offStrings, offRsv, version, lastCompVer, 0, e.strings.Len(), e.structs.Len()} {
		blob = binary.BigEndian.AppendUint32(blob, uint32(v))
	}
	blob = append(blob, rsv...)
	blob = append(blob, e.structs.Bytes()...)
	blob = append(blob, e.strings.Bytes()...)
	return blob, nil
}

type encoder struct {
	structs bytes.Buffer
	strings bytes.Buffer
	offsets map[string]uint32
}

func (e *encoder) node(n Node, path string) error {
	if strings.ContainsRune(n.Name, '/') {
		return fmt.Errorf("fdt: node name %q under %s: %w", n.Name, path, ErrInvalid)
	}
	e.token(tokenBeginNode)
	e.structs.WriteString(n.Name)
	e.structs.WriteByte(0)
	e.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		data, err := n.Properties[name].Encode()
		if err != nil {
			return fmt.Errorf("%s:%s: %w", path, name, err)
		}
		e.token(tokenProp)
		e.u32(uint32(len(data)))
		e.u32(e.stringOffset(name))
		e.structs.Write(data)
		e.pad()
	}

	seen := make(map[string]bool, len(n.Children))
	for _, child := range n.Children {
		if seen[child.Name] {
			return fmt.Errorf("fdt: duplicate node %q under %s: %w", child.Name, path, ErrInvalid)
		}
		seen[child.Name] = true
		if err := e.node(child, strings.TrimSuffix(path, "/")+"/"+child.Name); err != nil {
			return err
		}
	}
	e.token(tokenEndNode)
	return nil
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structs.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structs.Len()%4 != 0 {
		e.structs.WriteByte(0)
	}
}
