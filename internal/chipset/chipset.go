package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tinyrange/guestboot/internal/hv"
	"github.com/tinyrange/guestboot/internal/ioport"
)

// Chipset dispatches guest port I/O to the devices it was built from.
type Chipset struct {
	log     *slog.Logger
	devices map[string]Device
	order   []string
	table   *ioport.Table

	power atomic.Pointer[powerRequest]
}

type powerRequest struct {
	err  error
	port uint16
}

// Table returns the sealed port table.
func (c *Chipset) Table() *ioport.Table { return c.table }

// Devices returns the registered devices in registration order.
func (c *Chipset) Devices() []Device {
	out := make([]Device, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.devices[name])
	}
	return out
}

func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// HandlePIO dispatches one trapped I/O port access. Reads of unclaimed ports
// return all ones. A failing handler is logged and reported as ioport.Error;
// it never stops the machine. Reboot and shutdown requests from devices are
// recorded for PowerRequest and count as handled.
func (c *Chipset) HandlePIO(port uint16, isIn bool, size int, data *uint32) ioport.Outcome {
	out, err := c.table.EmulateErr(port, isIn, size, data)
	switch out {
	case ioport.Unhandled:
		if isIn {
			*data = ioport.SizeMask(size)
		}
		c.log.Debug("chipset: unhandled port access", "port", fmt.Sprintf("%#04x", port), "in", isIn, "size", size)
	case ioport.Error:
		if errors.Is(err, hv.ErrGuestRequestedReboot) || errors.Is(err, hv.ErrGuestRequestedShutdown) {
			c.requestPower(port, err)
			return ioport.Handled
		}
		device := ""
		if e, ok := c.table.Lookup(port); ok {
			device = e.Description
		}
		c.log.Warn("chipset: port access failed",
			"port", fmt.Sprintf("%#04x", port),
			"device", device,
			"in", isIn,
			"size", size,
			"error", err,
		)
	}
	return out
}

func (c *Chipset) requestPower(port uint16, err error) {
	if c.power.CompareAndSwap(nil, &powerRequest{err: err, port: port}) {
		c.log.Info("chipset: guest power request", "port", fmt.Sprintf("%#04x", port), "request", err)
	}
}

// PowerRequest returns hv.ErrGuestRequestedReboot or
// hv.ErrGuestRequestedShutdown once a device has seen the guest ask for it,
// otherwise nil. Only the first request is kept.
func (c *Chipset) PowerRequest() error {
	if req := c.power.Load(); req != nil {
		return req.err
	}
	return nil
}

// Reset resets all devices that hold state and clears any power request.
func (c *Chipset) Reset() error {
	c.power.Store(nil)
	for _, name := range c.deviceNames() {
		r, ok := c.devices[name].(Resetter)
		if !ok {
			continue
		}
		if err := r.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
