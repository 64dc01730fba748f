// Package legacy provides the PC port I/O devices a Linux guest touches
// while it boots: POST codes, the reset and power-off paths, an empty i8042,
// the COM1 console and sinks for hardware that is probed but absent.
package legacy

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/tinyrange/guestboot/internal/chipset"
)

// Names lists the device groups accepted by New, in default order.
var Names = []string{
	"postcode",
	"acpi-shutdown",
	"reset",
	"ps2",
	"system-control",
	"pm",
	"serial",
	"sinks",
}

// Options carries the host side of the devices.
type Options struct {
	Log *slog.Logger
	// Console receives bytes the guest writes to COM1.
	Console io.Writer
}

// New builds the devices for one group in Names.
func New(name string, opts Options) ([]chipset.Device, error) {
	switch name {
	case "postcode":
		return []chipset.Device{NewPostCode(opts.Log)}, nil
	case "acpi-shutdown":
		return []chipset.Device{NewACPIShutdown()}, nil
	case "reset":
		return []chipset.Device{NewResetControl()}, nil
	case "ps2":
		return []chipset.Device{NewPS2Controller()}, nil
	case "system-control":
		return []chipset.Device{NewSystemControl()}, nil
	case "pm":
		return []chipset.Device{NewPM()}, nil
	case "serial":
		return []chipset.Device{NewUART("com1", com1Port, opts.Console)}, nil
	case "sinks":
		sinks := DefaultSinks()
		out := make([]chipset.Device, 0, len(sinks))
		for _, s := range sinks {
			out = append(out, s)
		}
		return out, nil
	}
	known := append([]string(nil), Names...)
	sort.Strings(known)
	return nil, fmt.Errorf("legacy: unknown device %q (known: %v)", name, known)
}

// Register builds every named group and registers it with b. An empty
// list registers all of Names.
func Register(b *chipset.Builder, names []string, opts Options) error {
	if len(names) == 0 {
		names = Names
	}
	for _, name := range names {
		devs, err := New(name, opts)
		if err != nil {
			return err
		}
		for _, dev := range devs {
			if err := b.RegisterDevice(dev); err != nil {
				return fmt.Errorf("legacy: register %s: %w", name, err)
			}
		}
	}
	return nil
}
