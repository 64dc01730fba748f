package chipset

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestboot/internal/ioport"
)

// Builder registers devices and their port intercepts before creating a
// Chipset.
type Builder struct {
	log     *slog.Logger
	devices map[string]Device
	order   []string
	table   *ioport.Table
}

// NewBuilder returns an empty Builder. A nil log uses slog.Default.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		log:     log,
		devices: make(map[string]Device),
		table:   ioport.NewTable(),
	}
}

// RegisterDevice adds dev and claims all of its port ranges. Either every
// range is claimed or none is.
func (b *Builder) RegisterDevice(dev Device) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if dev == nil {
		return fmt.Errorf("device is nil")
	}
	name := dev.Name()
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	ranges := dev.PortRanges()
	if err := b.checkRanges(ranges); err != nil {
		return fmt.Errorf("device %q: %w", name, err)
	}
	for _, r := range ranges {
		if err := b.table.AddHandler(r, dev, name); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}

	b.devices[name] = dev
	b.order = append(b.order, name)
	b.log.Debug("chipset: device registered", "device", name, "ranges", len(ranges))
	return nil
}

// WithPioRange registers a handler that is not backed by a Device.
func (b *Builder) WithPioRange(r ioport.Range, handler ioport.Handler, desc string) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for %s is nil", r)
	}
	return b.table.AddHandler(r, handler, desc)
}

// checkRanges validates a device's ranges against each other and the table
// before any of them is claimed.
func (b *Builder) checkRanges(ranges []ioport.Range) error {
	for i, r := range ranges {
		if !r.Valid() {
			return fmt.Errorf("%w: %#04x-%#04x", ioport.ErrInvalidRange, r.Start, r.End)
		}
		for _, other := range ranges[:i] {
			if r.Overlaps(other) {
				return fmt.Errorf("%w: %s overlaps %s of the same device", ioport.ErrPortConflict, r, other)
			}
		}
		for _, e := range b.table.Entries() {
			if e.Range.Overlaps(r) {
				return fmt.Errorf("%w: %s overlaps %s (%s)", ioport.ErrPortConflict, r, e.Range, e.Description)
			}
		}
	}
	return nil
}

// Build seals the port table and returns the constructed Chipset. The
// builder must not be used afterwards.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	b.table.Seal()

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}
	order := make([]string, len(b.order))
	copy(order, b.order)

	return &Chipset{
		log:     b.log,
		devices: devices,
		order:   order,
		table:   b.table,
	}, nil
}
