package legacy

import (
	"io"
	"sync"

	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/ioport"
)

const (
	com1Port = 0x3f8

	uartRegisterCount = 8

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1

	iirNoInterrupt = 0x01
	iirRXData      = 0x04
	iirTHRE        = 0x02
	iirFIFOEnabled = 0xc0

	uartFIFOSize = 16
)

// UART is a 16550A without an interrupt line. Transmitted bytes go straight
// to the console writer; the receive side only sees loopback traffic, which
// is enough for the kernel's 8250 probe.
type UART struct {
	name string
	base uint16
	out  io.Writer

	mu  sync.Mutex
	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	scr byte

	rx      [uartFIFOSize]byte
	rxHead  int
	rxCount int

	txBytes uint64
}

// NewUART returns a UART at base. A nil out discards transmitted bytes.
func NewUART(name string, base uint16, out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}
	return &UART{name: name, base: base, out: out, lsr: lsrTHRE | lsrTEMT}
}

func (u *UART) Name() string { return u.name }

func (u *UART) PortRanges() []ioport.Range {
	return []ioport.Range{ioport.RangeOf(u.base, uartRegisterCount)}
}

func (u *UART) In(port uint16, size int) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(u.readLocked(port-u.base+uint16(i))) << (8 * i)
	}
	return v, nil
}

func (u *UART) Out(port uint16, size int, value uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := 0; i < size; i++ {
		u.writeLocked(port-u.base+uint16(i), byte(value>>(8*i)))
	}
	return nil
}

func (u *UART) readLocked(off uint16) byte {
	switch off {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		return u.iirLocked()
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		return u.lsr
	case 6:
		return u.msrLocked()
	case 7:
		return u.scr
	}
	return 0
}

func (u *UART) writeLocked(off uint16, v byte) {
	switch off {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
			return
		}
		u.transmitLocked(v)
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
			return
		}
		u.ier = v & 0x0f
	case 2:
		if v&fcrClearRX != 0 {
			u.rxHead, u.rxCount = 0, 0
			u.lsr &^= lsrDataReady
		}
		u.fcr = v
	case 3:
		u.lcr = v
	case 4:
		prev := u.mcr
		u.mcr = v & 0x1f
		if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
			u.rxHead, u.rxCount = 0, 0
			u.lsr &^= lsrDataReady
		}
	case 7:
		u.scr = v
	}
}

func (u *UART) transmitLocked(v byte) {
	if u.mcr&mcrLoop != 0 {
		u.pushLocked(v)
		return
	}
	_, _ = u.out.Write([]byte{v})
	u.txBytes++
}

func (u *UART) pushLocked(v byte) {
	if u.rxCount == uartFIFOSize {
		u.lsr |= lsrOverrun
		return
	}
	u.rx[(u.rxHead+u.rxCount)%uartFIFOSize] = v
	u.rxCount++
	u.lsr |= lsrDataReady
}

func (u *UART) popLocked() byte {
	if u.rxCount == 0 {
		return 0
	}
	v := u.rx[u.rxHead]
	u.rxHead = (u.rxHead + 1) % uartFIFOSize
	u.rxCount--
	if u.rxCount == 0 {
		u.lsr &^= lsrDataReady
	}
	return v
}

func (u *UART) iirLocked() byte {
	iir := byte(iirNoInterrupt)
	switch {
	case u.ier&0x01 != 0 && u.rxCount > 0:
		iir = iirRXData
	case u.ier&0x02 != 0 && u.lsr&lsrTHRE != 0:
		iir = iirTHRE
	}
	if u.fcr&fcrEnable != 0 {
		iir |= iirFIFOEnabled
	}
	return iir
}

// msrLocked reports modem status. In loopback the outputs feed the inputs;
// otherwise the line is always up.
func (u *UART) msrLocked() byte {
	if u.mcr&mcrLoop == 0 {
		return msrCTS | msrDSR | msrDCD
	}
	var v byte
	if u.mcr&mcrDTR != 0 {
		v |= msrDSR
	}
	if u.mcr&mcrRTS != 0 {
		v |= msrCTS
	}
	if u.mcr&mcrOUT1 != 0 {
		v |= msrRI
	}
	if u.mcr&mcrOUT2 != 0 {
		v |= msrDCD
	}
	return v
}

// Transmitted returns the number of bytes written to the console.
func (u *UART) Transmitted() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txBytes
}

func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dll, u.dlm, u.ier, u.fcr, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.rxHead, u.rxCount = 0, 0
	return nil
}

var (
	_ chipset.Device   = (*UART)(nil)
	_ chipset.Resetter = (*UART)(nil)
)
