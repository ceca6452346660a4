// Package serial implements a 16550-compatible UART as a memory mapped
// sysbus device.
package serial

import (
	"io"
	"sync"

	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/reset"
	"github.com/tinyrange/qdev/internal/sysbus"
)

const TypeName = "serial-mm"

const (
	// DefaultClock is the reference clock reported to guests.
	DefaultClock = 1843200
	// Size reserves a 4 KiB region for the registers.
	Size = 0x1000

	registerCount = 8

	lcrDLAB = 1 << 7
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	iirNone = 0x01
)

// UART is a minimal 16550 with a single byte receive buffer.
type UART struct {
	sysbus.Device

	mu       sync.Mutex
	out      io.Writer
	regShift uint8

	dll, dlm  byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte
	rbr       byte

	iir    byte
	skipLF bool
}

// SetOutput directs transmitted bytes to w. A nil writer discards them.
func (s *UART) SetOutput(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = w
}

// Receive places b in the receive buffer as if it arrived on the line. It
// reports false when the previous byte has not been read yet.
func (s *UART) Receive(b byte) bool {
	s.mu.Lock()
	if s.lsr&lsrDataReady != 0 {
		s.mu.Unlock()
		return false
	}
	s.rbr = b
	s.lsr |= lsrDataReady
	level := s.updateInterrupts()
	s.mu.Unlock()
	sysbus.SetIRQ(s, 0, level)
	return true
}

func (s *UART) register(offset uint64) (uint64, bool) {
	stride := uint64(1) << s.regShift
	if offset%stride != 0 {
		return 0, false
	}
	reg := offset / stride
	return reg, reg < registerCount
}

// ReadMMIO reads one register per byte of data.
func (s *UART) ReadMMIO(offset uint64, data []byte) error {
	s.mu.Lock()
	for i := range data {
		data[i] = 0
		if reg, ok := s.register(offset + uint64(i)); ok {
			data[i] = s.readRegister(reg)
		}
	}
	level := s.updateInterrupts()
	s.mu.Unlock()
	sysbus.SetIRQ(s, 0, level)
	return nil
}

// WriteMMIO writes one register per byte of data.
func (s *UART) WriteMMIO(offset uint64, data []byte) error {
	s.mu.Lock()
	for i, b := range data {
		if reg, ok := s.register(offset + uint64(i)); ok {
			s.writeRegister(reg, b)
		}
	}
	level := s.updateInterrupts()
	s.mu.Unlock()
	sysbus.SetIRQ(s, 0, level)
	return nil
}

func (s *UART) writeRegister(reg uint64, value byte) {
	switch reg {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
			return
		}
		s.transmit(value)
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
			return
		}
		s.ier = value & 0x0f
	case 2:
		if value&0x02 != 0 {
			s.rbr = 0
			s.lsr &^= lsrDataReady
		}
		s.fcr = value
	case 3:
		s.lcr = value
	case 4:
		prev := s.mcr
		s.mcr = value & 0x1f
		if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
			s.rbr = 0
			s.lsr &^= lsrDataReady
		}
		s.updateModemStatus()
	case 7:
		s.scr = value
	}
}

func (s *UART) readRegister(reg uint64) byte {
	switch reg {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		value := s.rbr
		s.rbr = 0
		s.lsr &^= lsrDataReady
		return value
	case 1:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		iir := s.iir
		if s.fcr&0x01 != 0 {
			iir |= 0xc0
		}
		return iir
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return s.lsr
	case 6:
		value := s.msrStatus | s.msrDelta
		s.msrDelta = 0
		return value
	case 7:
		return s.scr
	}
	return 0
}

// updateInterrupts recomputes the pending interrupt and returns the level
// of the output line.
func (s *UART) updateInterrupts() bool {
	s.iir = iirNone
	switch {
	case s.ier&0x04 != 0 && s.lsr&0x1e != 0:
		s.iir = 0x06
	case s.ier&0x01 != 0 && s.lsr&lsrDataReady != 0:
		s.iir = 0x04
	case s.ier&0x02 != 0 && s.lsr&lsrTHRE != 0:
		s.iir = 0x02
	case s.ier&0x08 != 0 && s.msrDelta != 0:
		s.iir = 0x00
	}
	return s.iir != iirNone
}

func (s *UART) transmit(value byte) {
	if s.mcr&mcrLoop != 0 {
		s.rbr = value
		s.lsr |= lsrDataReady
	} else if s.out != nil {
		switch value {
		case '\r':
			_, _ = s.out.Write([]byte{'\n'})
			s.skipLF = true
		case '\n':
			if s.skipLF {
				s.skipLF = false
				break
			}
			_, _ = s.out.Write([]byte{'\n'})
		default:
			s.skipLF = false
			_, _ = s.out.Write([]byte{value})
		}
	}
	s.lsr |= lsrTHRE | lsrTEMT
}

func (s *UART) updateModemStatus() {
	const (
		bitCTS = 1 << 4
		bitDSR = 1 << 5
		bitRI  = 1 << 6
		bitDCD = 1 << 7
	)
	s.msrStatus = bitCTS | bitDSR | bitDCD
	if s.mcr&0x04 != 0 {
		s.msrStatus |= bitRI
	}
}

// ResetHold returns every register to its power-on value.
func (s *UART) ResetHold(reset.Type) {
	s.mu.Lock()
	s.dll, s.dlm, s.ier, s.fcr, s.lcr, s.mcr, s.scr, s.rbr = 0, 0, 0, 0, 0, 0, 0, 0
	s.lsr = lsrTHRE | lsrTEMT
	s.msrDelta = 0
	s.skipLF = false
	s.updateModemStatus()
	level := s.updateInterrupts()
	s.mu.Unlock()
	sysbus.SetIRQ(s, 0, level)
}

var (
	_ memory.Ops      = (*UART)(nil)
	_ reset.Holder    = (*UART)(nil)
	_ sysbus.Instance = (*UART)(nil)
)

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:   TypeName,
			Parent: sysbus.TypeDevice,
			New:    func() object.Instance { return &UART{} },
			InstanceInit: func(obj object.Instance) {
				s := obj.(*UART)
				s.lsr = lsrTHRE | lsrTEMT
				s.iir = iirNone
				sysbus.InitMMIO(s, memory.NewRegion("serial", Size, s))
				sysbus.InitIRQ(s)
			},
			ClassInit: func(c *object.Class, _ any) {
				dc := qdev.GetDeviceClass(c)
				dc.Desc = "16550A UART"
				dc.UserCreatable = true
				qdev.DeviceClassSetProps(c,
					qdev.PropUint("regshift", func(s *UART) *uint8 { return &s.regShift }, 0).
						WithDescription("log2 of the register stride"),
				)
				sc := sysbus.GetDeviceClass(c)
				sc.AllowDynamic = true
				sc.Compatible = []string{"ns16550a"}
				sc.FDTNode = func(dev sysbus.Instance, props map[string]fdt.Property) {
					s := dev.(*UART)
					props["clock-frequency"] = fdt.U32(DefaultClock)
					if s.regShift != 0 {
						props["reg-shift"] = fdt.U32(uint32(s.regShift))
					}
				}
			},
		})
	})
}
