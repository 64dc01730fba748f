package chipset

import "github.com/tinyrange/guestboot/internal/ioport"

// Device is a port I/O device that can be assembled into a Chipset. All of
// its ranges are served by the device's own In and Out methods.
type Device interface {
	ioport.Handler

	Name() string
	PortRanges() []ioport.Range
}

// Resetter is implemented by devices with state that a machine reset clears.
type Resetter interface {
	Reset() error
}
