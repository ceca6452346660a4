// Package pl031 implements the ARM PrimeCell PL031 real time clock as a
// sysbus device that can be placed on the platform bus.
package pl031

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/qdev/internal/fdt"
	"github.com/tinyrange/qdev/internal/memory"
	"github.com/tinyrange/qdev/internal/object"
	"github.com/tinyrange/qdev/internal/qdev"
	"github.com/tinyrange/qdev/internal/reset"
	"github.com/tinyrange/qdev/internal/sysbus"
)

const TypeName = "pl031"

// Register offsets.
const (
	regDR   = 0x00 // data, read only
	regMR   = 0x04 // match
	regLR   = 0x08 // load
	regCR   = 0x0c // control
	regIMSC = 0x10 // interrupt mask
	regRIS  = 0x14 // raw interrupt status
	regMIS  = 0x18 // masked interrupt status
	regICR  = 0x1c // interrupt clear, write only

	regPeriphID0 = 0xfe0
)

const crEnable = 1 << 0

// Size is the size of the register window.
const Size = 0x1000

// PrimeCell identification bytes at 0xfe0..0xffc.
var cellID = [8]byte{0x31, 0x10, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// RTC is a PL031 real time clock.
type RTC struct {
	sysbus.Device

	mu    sync.Mutex
	clock func() time.Time
	timer *time.Timer

	startEnabled bool

	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	ris      uint32
}

// SetClock replaces the wall clock the counter follows.
func (p *RTC) SetClock(clock func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

// counter returns the current value of the data register.
func (p *RTC) counter() uint32 {
	if p.cr&crEnable == 0 {
		return p.lr
	}
	return p.lr + uint32(p.clock().Sub(p.loadTime)/time.Second)
}

func (p *RTC) level() bool { return p.ris&p.imsc&1 != 0 }

// arm latches a match that is due now and otherwise schedules the next
// one. It is called whenever the counter or the match register changes.
func (p *RTC) arm() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cr&crEnable == 0 {
		return
	}
	delta := p.mr - p.counter()
	if delta == 0 {
		p.ris |= 1
		return
	}
	if p.Realized() {
		p.timer = time.AfterFunc(time.Duration(delta)*time.Second, p.match)
	}
}

func (p *RTC) match() {
	p.mu.Lock()
	p.timer = nil
	p.ris |= 1
	level := p.level()
	p.mu.Unlock()
	sysbus.SetIRQ(p, 0, level)
}

// Tick latches the match interrupt if the counter has reached the match
// register. Machines without a timer source poll it.
func (p *RTC) Tick() {
	p.mu.Lock()
	if p.cr&crEnable != 0 && p.counter() == p.mr {
		p.ris |= 1
	}
	level := p.level()
	p.mu.Unlock()
	sysbus.SetIRQ(p, 0, level)
}

func (p *RTC) readReg(offset uint64) uint32 {
	switch offset {
	case regDR:
		return p.counter()
	case regMR:
		return p.mr
	case regLR:
		return p.lr
	case regCR:
		return p.cr
	case regIMSC:
		return p.imsc
	case regRIS:
		return p.ris
	case regMIS:
		return p.ris & p.imsc
	}
	if offset >= regPeriphID0 && offset < Size {
		return uint32(cellID[(offset-regPeriphID0)/4])
	}
	return 0
}

// writeReg stores value and reports whether the interrupt state needs to be
// re-evaluated.
func (p *RTC) writeReg(offset uint64, value uint32) bool {
	switch offset {
	case regMR:
		p.mr = value
		p.arm()
	case regLR:
		p.lr = value
		p.loadTime = p.clock()
		p.arm()
	case regCR:
		if value&crEnable != 0 && p.cr&crEnable == 0 {
			p.loadTime = p.clock()
		} else if value&crEnable == 0 && p.cr&crEnable != 0 {
			p.lr = p.counter()
		}
		p.cr = value & crEnable
		p.arm()
	case regIMSC:
		p.imsc = value & 1
	case regICR:
		p.ris &^= value
	default:
		slog.Debug("pl031: write to read-only register", "offset", offset, "value", value)
		return false
	}
	return true
}

// ReadMMIO reads a register. Accesses narrower than a word read part of it.
func (p *RTC) ReadMMIO(offset uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], p.readReg(offset&^3))
	for i := range data {
		data[i] = word[(int(offset&3)+i)&3]
	}
	return nil
}

// WriteMMIO writes a register. Only full word writes have an effect.
func (p *RTC) WriteMMIO(offset uint64, data []byte) error {
	if len(data) != 4 || offset&3 != 0 {
		slog.Debug("pl031: ignored unaligned write", "offset", offset, "size", len(data))
		return nil
	}
	p.mu.Lock()
	if !p.writeReg(offset, binary.LittleEndian.Uint32(data)) {
		p.mu.Unlock()
		return nil
	}
	level := p.level()
	p.mu.Unlock()
	sysbus.SetIRQ(p, 0, level)
	return nil
}

// ResetHold loads the counter from the clock and clears every interrupt.
func (p *RTC) ResetHold(reset.Type) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.loadTime = p.clock()
	p.lr = uint32(p.loadTime.Unix())
	p.mr, p.imsc, p.ris = 0, 0, 0
	p.cr = 0
	if p.startEnabled {
		p.cr = crEnable
	}
	p.mu.Unlock()
	sysbus.SetIRQ(p, 0, false)
}

func unrealize(dev qdev.DeviceInstance) {
	p := dev.(*RTC)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

var (
	_ memory.Ops       = (*RTC)(nil)
	_ reset.Holder    = (*RTC)(nil)
	_ sysbus.Instance = (*RTC)(nil)
)

func init() {
	object.TypeInit(func(r *object.Registry) {
		r.Register(object.TypeInfo{
			Name:   TypeName,
			Parent: sysbus.TypeDevice,
			New:    func() object.Instance { return &RTC{} },
			InstanceInit: func(obj object.Instance) {
				p := obj.(*RTC)
				p.clock = time.Now
				sysbus.InitMMIO(p, memory.NewRegion("pl031", Size, p))
				sysbus.InitIRQ(p)
			},
			ClassInit: func(c *object.Class, _ any) {
				dc := qdev.GetDeviceClass(c)
				dc.Desc = "ARM PrimeCell PL031 real time clock"
				dc.UserCreatable = true
				dc.Unrealize = unrealize
				qdev.DeviceClassSetProps(c,
					qdev.PropBool("start-enabled", func(p *RTC) *bool { return &p.startEnabled }, true).
						WithDescription("counter runs out of reset"),
				)
				sc := sysbus.GetDeviceClass(c)
				sc.AllowDynamic = true
				sc.Compatible = []string{"arm,pl031", "arm,primecell"}
				sc.FDTNode = func(_ sysbus.Instance, props map[string]fdt.Property) {
					props["clock-names"] = fdt.Strings("apb_pclk")
				}
			},
		})
	})
}
