package legacy

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/hv"
	"github.com/tinyrange/guestboot/internal/ioport"
)

const (
	pm1aEvtBase uint16 = 0x400
	pm1aEvtSize        = 4

	pm1aCntBase uint16 = 0x404
	pm1aCntSize        = 2

	pmTmrBase uint16 = 0x408
	pmTmrSize        = 4

	pmTimerHz = 3579545

	pm1SlpTypShift = 10
	pm1SlpTypMask  = 0x7 << pm1SlpTypShift
	pm1SlpEn       = 1 << 13
)

// PM is a minimal ACPI fixed-hardware block: PM1a event and control plus
// the free running PM timer. Entering S5 through PM1a_CNT requests
// shutdown.
type PM struct {
	now func() time.Time

	mu        sync.Mutex
	status    uint16
	enable    uint16
	control   uint16
	startTime time.Time
}

func NewPM() *PM {
	p := &PM{now: time.Now}
	p.startTime = p.now()
	return p
}

func (*PM) Name() string { return "pm" }

func (*PM) PortRanges() []ioport.Range {
	return []ioport.Range{
		ioport.RangeOf(pm1aEvtBase, pm1aEvtSize),
		ioport.RangeOf(pm1aCntBase, pm1aCntSize),
		ioport.RangeOf(pmTmrBase, pmTmrSize),
	}
}

func (p *PM) In(port uint16, size int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case port >= pm1aEvtBase && port < pm1aEvtBase+pm1aEvtSize:
		evt := uint64(p.status) | uint64(p.enable)<<16
		return readReg(evt, port-pm1aEvtBase, size), nil
	case port >= pm1aCntBase && port < pm1aCntBase+pm1aCntSize:
		return readReg(uint64(p.control), port-pm1aCntBase, size), nil
	case port >= pmTmrBase && port < pmTmrBase+pmTmrSize:
		return readReg(uint64(p.timerLocked()), port-pmTmrBase, size), nil
	}
	return 0, fmt.Errorf("pm: invalid read port %#04x", port)
}

func (p *PM) Out(port uint16, size int, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case port >= pm1aEvtBase && port < pm1aEvtBase+pm1aEvtSize:
		off := port - pm1aEvtBase
		// PM1 status bits are write-one-to-clear.
		ack := writeReg(0, 2, off, size, value)
		p.status &^= uint16(ack)
		if off+uint16(size) > 2 {
			p.enable = uint16(writeReg(uint64(p.enable)<<16, 4, off, size, value) >> 16)
		}
		return nil
	case port >= pm1aCntBase && port < pm1aCntBase+pm1aCntSize:
		p.control = uint16(writeReg(uint64(p.control), pm1aCntSize, port-pm1aCntBase, size, value))
		if p.control&pm1SlpEn == 0 {
			return nil
		}
		// SLP_EN is write-only.
		p.control &^= pm1SlpEn
		if (p.control&pm1SlpTypMask)>>pm1SlpTypShift == s5SleepType {
			return hv.ErrGuestRequestedShutdown
		}
		return nil
	case port >= pmTmrBase && port < pmTmrBase+pmTmrSize:
		// PM timer is read-only.
		return nil
	}
	return fmt.Errorf("pm: invalid write port %#04x", port)
}

// timerLocked returns the 24-bit PM timer count.
func (p *PM) timerLocked() uint32 {
	ns := uint64(p.now().Sub(p.startTime).Nanoseconds())
	sec, rem := ns/uint64(time.Second), ns%uint64(time.Second)
	ticks := sec*pmTimerHz + rem*pmTimerHz/uint64(time.Second)
	return uint32(ticks) & 0xffffff
}

func (p *PM) Reset() error {
	p.mu.Lock()
	p.status, p.enable, p.control = 0, 0, 0
	p.startTime = p.now()
	p.mu.Unlock()
	return nil
}

var (
	_ chipset.Device   = (*PM)(nil)
	_ chipset.Resetter = (*PM)(nil)
)
