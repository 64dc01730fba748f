package legacy

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/hv"
	"github.com/tinyrange/guestboot/internal/ioport"
)

const (
	acpiShutdownPort = 0x600
	acpiShutdownSize = 8

	resetControlPort = 0xcf9

	// S5 (soft off) as declared by the DSDT, with SLP_EN.
	s5SleepType  = 5
	sleepTypeBit = 2
	sleepEnBit   = 5
	acpiS5Value  = s5SleepType<<sleepTypeBit | 1<<sleepEnBit
	acpiReboot   = 1

	// Reset control register bits.
	rstSystem = 1 << 1
	rstCPU    = 1 << 2
)

// ACPIShutdown is the 8-port shutdown device firmware such as the
// cloud-hypervisor EDK2 build writes to. Writing the S5 value requests
// power off; writing 1 requests a reboot.
type ACPIShutdown struct{}

func NewACPIShutdown() *ACPIShutdown { return &ACPIShutdown{} }

func (*ACPIShutdown) Name() string { return "acpi-shutdown" }

func (*ACPIShutdown) PortRanges() []ioport.Range {
	return []ioport.Range{ioport.RangeOf(acpiShutdownPort, acpiShutdownSize)}
}

func (*ACPIShutdown) In(port uint16, size int) (uint32, error) { return 0, nil }

func (*ACPIShutdown) Out(port uint16, size int, value uint32) error {
	if port != acpiShutdownPort {
		return nil
	}
	switch byte(value) {
	case acpiS5Value:
		return hv.ErrGuestRequestedShutdown
	case acpiReboot:
		return hv.ErrGuestRequestedReboot
	}
	return nil
}

// ResetControl emulates the reset control register at port 0xcf9. Setting
// RST_CPU resets the machine.
type ResetControl struct {
	mu   sync.Mutex
	last byte
}

func NewResetControl() *ResetControl { return &ResetControl{} }

func (*ResetControl) Name() string { return "reset" }

func (*ResetControl) PortRanges() []ioport.Range {
	return []ioport.Range{ioport.Port(resetControlPort)}
}

func (r *ResetControl) In(port uint16, size int) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(r.last), nil
}

func (r *ResetControl) Out(port uint16, size int, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// RST_CPU is a trigger and never reads back.
	r.last = byte(value) & rstSystem
	if byte(value)&rstCPU == 0 {
		return nil
	}
	return hv.ErrGuestRequestedReboot
}

func (r *ResetControl) Reset() error {
	r.mu.Lock()
	r.last = 0
	r.mu.Unlock()
	return nil
}

var (
	_ chipset.Device   = (*ACPIShutdown)(nil)
	_ chipset.Device   = (*ResetControl)(nil)
	_ chipset.Resetter = (*ResetControl)(nil)
)
