package memory

const ramPageSize = 4096

// ram backs a region with pages allocated on first write. Unwritten bytes
// read as zero.
type ram struct {
	pages map[uint64]*[ramPageSize]byte
}

func (m *ram) ReadMMIO(offset uint64, data []byte) error {
	for len(data) > 0 {
		page, off := offset/ramPageSize, offset%ramPageSize
		n := min(uint64(len(data)), ramPageSize-off)
		if p, ok := m.pages[page]; ok {
			copy(data[:n], p[off:off+n])
		} else {
			clear(data[:n])
		}
		data = data[n:]
		offset += n
	}
	return nil
}

func (m *ram) WriteMMIO(offset uint64, data []byte) error {
	for len(data) > 0 {
		page, off := offset/ramPageSize, offset%ramPageSize
		n := min(uint64(len(data)), ramPageSize-off)
		p, ok := m.pages[page]
		if !ok {
			p = new([ramPageSize]byte)
			m.pages[page] = p
		}
		copy(p[off:off+n], data[:n])
		data = data[n:]
		offset += n
	}
	return nil
}

// NewRAM creates a leaf region of ordinary read/write memory.
func NewRAM(name string, size uint64) *Region {
	return NewRegion(name, size, &ram{pages: make(map[uint64]*[ramPageSize]byte)})
}
