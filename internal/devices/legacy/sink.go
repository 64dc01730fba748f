package legacy

import (
	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/ioport"
)

// Sink claims ports a guest probes during boot without any device behind
// them. Reads return zero and writes are dropped, which keeps the probes
// from reading back all ones and taking slow fallback paths.
type Sink struct {
	name   string
	ranges []ioport.Range
}

func NewSink(name string, ranges ...ioport.Range) *Sink {
	return &Sink{name: name, ranges: append([]ioport.Range(nil), ranges...)}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) PortRanges() []ioport.Range { return s.ranges }

func (*Sink) In(port uint16, size int) (uint32, error) { return 0, nil }

func (*Sink) Out(port uint16, size int, value uint32) error { return nil }

// DefaultSinks returns the sinks for the VGA registers, the CMOS index and
// data ports, the DMA page registers and the COM2 to COM4 UARTs.
func DefaultSinks() []*Sink {
	return []*Sink{
		NewSink("vga",
			ioport.Range{Start: 0x3b4, End: 0x3b5},
			ioport.Range{Start: 0x3c0, End: 0x3da},
		),
		NewSink("cmos", ioport.Range{Start: 0x70, End: 0x71}),
		NewSink("dma-page", ioport.Range{Start: 0x81, End: 0x8f}),
		NewSink("com2", ioport.RangeOf(0x2f8, 8)),
		NewSink("com3", ioport.RangeOf(0x3e8, 8)),
		NewSink("com4", ioport.RangeOf(0x2e8, 8)),
	}
}

var _ chipset.Device = (*Sink)(nil)
