package legacy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/ioport"
)

const postCodePort = 0x80

// PostCode latches bytes written to the POST diagnostic port. Kernels also
// use the port as an I/O delay, so writes are only logged at debug level.
type PostCode struct {
	log *slog.Logger

	mu   sync.Mutex
	last byte
	n    uint64
}

func NewPostCode(log *slog.Logger) *PostCode {
	if log == nil {
		log = slog.Default()
	}
	return &PostCode{log: log}
}

func (p *PostCode) Name() string { return "postcode" }

func (p *PostCode) PortRanges() []ioport.Range {
	return []ioport.Range{ioport.Port(postCodePort)}
}

func (p *PostCode) In(port uint16, size int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(p.last), nil
}

func (p *PostCode) Out(port uint16, size int, value uint32) error {
	p.mu.Lock()
	p.last = byte(value)
	p.n++
	p.mu.Unlock()

	p.log.Debug("postcode: write", "code", fmt.Sprintf("%#02x", byte(value)))
	return nil
}

// Last returns the most recent code and the number of writes seen.
func (p *PostCode) Last() (byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.n
}

func (p *PostCode) Reset() error {
	p.mu.Lock()
	p.last, p.n = 0, 0
	p.mu.Unlock()
	return nil
}

var (
	_ chipset.Device   = (*PostCode)(nil)
	_ chipset.Resetter = (*PostCode)(nil)
)
