package legacy

import (
	"sync"

	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/hv"
	"github.com/tinyrange/guestboot/internal/ioport"
)

const (
	ps2DataPort    = 0x60
	ps2CommandPort = 0x64

	// Output buffer empty, input buffer empty, no keyboard attached.
	ps2StatusIdle = 0x20

	ps2CmdPulseReset = 0xfe

	systemControlPort = 0x61
)

// PS2Controller is an i8042 with nothing attached. It answers probes with
// an idle status and treats the pulse-reset command as a reboot request.
type PS2Controller struct{}

func NewPS2Controller() *PS2Controller { return &PS2Controller{} }

func (*PS2Controller) Name() string { return "ps2" }

func (*PS2Controller) PortRanges() []ioport.Range {
	return []ioport.Range{ioport.Port(ps2DataPort), ioport.Port(ps2CommandPort)}
}

func (*PS2Controller) In(port uint16, size int) (uint32, error) {
	if port == ps2CommandPort {
		return ps2StatusIdle, nil
	}
	return 0, nil
}

func (*PS2Controller) Out(port uint16, size int, value uint32) error {
	if port == ps2CommandPort && byte(value) == ps2CmdPulseReset {
		return hv.ErrGuestRequestedReboot
	}
	return nil
}

// SystemControl implements port 0x61 without a PIT behind it. The refresh
// bit toggles on every read so calibration loops that poll it make
// progress.
type SystemControl struct {
	mu          sync.Mutex
	gate        bool
	speakerData bool
	refresh     bool
}

func NewSystemControl() *SystemControl { return &SystemControl{} }

func (*SystemControl) Name() string { return "system-control" }

func (*SystemControl) PortRanges() []ioport.Range {
	return []ioport.Range{ioport.Port(systemControlPort)}
}

func (s *SystemControl) In(port uint16, size int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var val uint32
	if s.gate {
		val |= 1 << 0
	}
	if s.speakerData {
		val |= 1 << 1
	}
	if s.refresh {
		val |= 1 << 4
	}
	s.refresh = !s.refresh
	return val, nil
}

func (s *SystemControl) Out(port uint16, size int, value uint32) error {
	s.mu.Lock()
	s.gate = value&1 != 0
	s.speakerData = value&(1<<1) != 0
	s.mu.Unlock()
	return nil
}

func (s *SystemControl) Reset() error {
	s.mu.Lock()
	s.gate, s.speakerData, s.refresh = false, false, false
	s.mu.Unlock()
	return nil
}

var (
	_ chipset.Device   = (*PS2Controller)(nil)
	_ chipset.Device   = (*SystemControl)(nil)
	_ chipset.Resetter = (*SystemControl)(nil)
)
