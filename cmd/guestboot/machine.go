package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/guestboot/internal/acpi"
	"github.com/tinyrange/guestboot/internal/chipset"
	"github.com/tinyrange/guestboot/internal/config"
	"github.com/tinyrange/guestboot/internal/devices/legacy"
	"github.com/tinyrange/guestboot/internal/hv"
	"github.com/tinyrange/guestboot/internal/linux/boot"
	amd64boot "github.com/tinyrange/guestboot/internal/linux/boot/amd64"
)

// machine is the dry-run guest assembled from a profile: memory with the
// kernel and ramdisk in place, and the boot state builder on top of it.
type machine struct {
	profile config.Profile
	mem     *hv.AddressSpace
	guest   *boot.Guest

	kernel  *amd64boot.KernelImage
	ramdisk hv.MemoryRegion
}

func newMachine(p config.Profile) (*machine, error) {
	var opts []hv.AddressSpaceOption
	opts = append(opts, hv.WithLogger(logger))
	if p.Memory.DeviceMemory != "" {
		opts = append(opts, hv.WithDeviceMemory(p.Memory.DeviceMemory))
	}
	mem, err := hv.NewAddressSpace(p.MemoryRegions(), opts...)
	if err != nil {
		return nil, err
	}

	src, err := p.VESA.FirmwareSource()
	if err != nil {
		mem.Close()
		return nil, err
	}

	m := &machine{
		profile: p,
		mem:     mem,
		guest: &boot.Guest{
			Memory:      mem,
			Firmware:    src,
			VESAEnabled: p.VESA.Enabled,
			Log:         logger,
		},
	}
	if !p.ACPI.Disabled {
		m.guest.ACPI = &acpi.Tables{
			Config: acpi.Config{NumCPUs: p.ACPI.CPUs},
			Log:    logger,
		}
	}
	if err := m.loadKernel(); err != nil {
		mem.Close()
		return nil, err
	}
	if err := m.loadRamdisk(); err != nil {
		mem.Close()
		return nil, err
	}
	return m, nil
}

func (m *machine) Close() error { return m.mem.Close() }

func (m *machine) loadKernel() error {
	path := m.profile.Kernel.Payload
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	img, err := amd64boot.ParseKernelImage(data)
	if err != nil {
		return fmt.Errorf("parse kernel %s: %w", path, err)
	}
	payload := img.Payload()
	if len(payload) == 0 {
		return errors.New("kernel payload is empty")
	}

	addr := m.profile.Kernel.LoadAddr
	if err := m.mem.Claim(addr, uint64(len(payload))); err != nil {
		return fmt.Errorf("place kernel at %#x: %w", addr, err)
	}
	if _, err := m.mem.WriteAt(payload, int64(addr)); err != nil {
		return fmt.Errorf("write kernel at %#x: %w", addr, err)
	}

	m.kernel = img
	logger.Info("guestboot: kernel loaded",
		"addr", fmt.Sprintf("%#x", addr),
		"size", len(payload),
		"bzimage", img.BzImage,
		"protocol", fmt.Sprintf("%#04x", img.ProtocolVersion),
	)
	return nil
}

func (m *machine) loadRamdisk() error {
	path := m.profile.Ramdisk.Path
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ramdisk: %w", err)
	}
	if len(data) == 0 {
		return errors.New("ramdisk is empty")
	}
	size := uint64(len(data))

	addr := m.profile.Ramdisk.Addr
	if addr != 0 {
		err = m.mem.Claim(addr, size)
	} else {
		addr, err = m.mem.Allocate(size)
	}
	if err != nil {
		return fmt.Errorf("place ramdisk: %w", err)
	}
	if _, err := m.mem.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("write ramdisk at %#x: %w", addr, err)
	}

	m.ramdisk = hv.MemoryRegion{Start: addr, Size: size}
	logger.Info("guestboot: ramdisk loaded", "addr", fmt.Sprintf("%#x", addr), "size", size)
	return nil
}

// boot writes the boot structures and returns the entry point.
func (m *machine) boot() (uint64, error) {
	opts := boot.BootOptions{
		Cmdline:         m.profile.Cmdline,
		KernelLoadAddr:  m.profile.Kernel.LoadAddr,
		KernelAlignment: m.profile.Kernel.Alignment,
		RamdiskAddr:     m.ramdisk.Start,
		RamdiskSize:     m.ramdisk.Size,
	}
	if m.kernel != nil && m.kernel.KernelAlignment != 0 && m.kernel.RelocatableKernel {
		opts.KernelAlignment = uint64(m.kernel.KernelAlignment)
	}
	if err := m.guest.InitGuestBootStructure(opts); err != nil {
		return 0, err
	}

	entry := m.profile.Kernel.Entry
	if m.kernel != nil {
		entry = m.kernel.EntryPoint(m.profile.Kernel.LoadAddr, entry)
	} else if entry == 0 {
		entry = m.profile.Kernel.LoadAddr
	}
	return entry, nil
}

var _ boot.TableBuilder = (*acpi.Tables)(nil)

// buildChipset assembles the legacy devices named in the profile.
func buildChipset(p config.Profile, console io.Writer) (*chipset.Chipset, error) {
	b := chipset.NewBuilder(logger)
	if err := legacy.Register(b, p.Devices, legacy.Options{Log: logger, Console: console}); err != nil {
		return nil, err
	}
	return b.Build()
}
