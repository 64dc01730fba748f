// Package config loads the boot profile used by the guestboot tool.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyrange/guestboot/internal/firmware"
	"github.com/tinyrange/guestboot/internal/hv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "guestboot.yaml"

	DefaultKernelLoadAddr  = 0x1000000
	DefaultKernelAlignment = 0x200000
	DefaultCmdline         = "console=ttyS0"

	pageSize = 0x1000
)

// Profile describes one guest: its memory layout, what to load and which
// legacy devices to attach.
type Profile struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Kernel  KernelConfig  `yaml:"kernel"`
	Cmdline string        `yaml:"cmdline,omitempty"`
	Ramdisk RamdiskConfig `yaml:"ramdisk,omitempty"`
	VESA    VESAConfig    `yaml:"vesa,omitempty"`
	ACPI    ACPIConfig    `yaml:"acpi,omitempty"`

	// Devices names legacy device groups. Empty attaches all of them.
	Devices []string `yaml:"devices,omitempty"`
}

type Region struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

type MemoryConfig struct {
	Regions []Region `yaml:"regions"`

	// DeviceMemory is a file whose contents back device mappings, indexed
	// by physical address.
	DeviceMemory string `yaml:"deviceMemory,omitempty"`
}

type KernelConfig struct {
	LoadAddr  uint64 `yaml:"loadAddr,omitempty"`
	Alignment uint64 `yaml:"alignment,omitempty"`
	// Entry overrides the entry point derived from the image.
	Entry   uint64 `yaml:"entry,omitempty"`
	Payload string `yaml:"payload,omitempty"`
}

type RamdiskConfig struct {
	Path string `yaml:"path,omitempty"`
	// Addr pins the ramdisk. Zero lets the allocator place it.
	Addr uint64 `yaml:"addr,omitempty"`
}

type ACPIConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`
	CPUs     int  `yaml:"cpus,omitempty"`
}

type VESAConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	// ModeInfo is a raw 256 byte VBE mode info block.
	ModeInfo     string `yaml:"modeInfo,omitempty"`
	Mode         uint32 `yaml:"mode,omitempty"`
	InterfaceSeg uint32 `yaml:"interfaceSeg,omitempty"`
	InterfaceOff uint32 `yaml:"interfaceOff,omitempty"`
	InterfaceLen uint32 `yaml:"interfaceLen,omitempty"`
}

// Default returns the profile used when no file is given: 640 KiB of low
// memory plus 63 MiB above 1 MiB.
func Default() Profile {
	var p Profile
	p.normalize()
	return p
}

func (p *Profile) normalize() {
	if len(p.Memory.Regions) == 0 {
		p.Memory.Regions = []Region{
			{Start: 0, Size: 0x9f000},
			{Start: 0x100000, Size: 0x3f00000},
		}
	}
	if p.Kernel.LoadAddr == 0 {
		p.Kernel.LoadAddr = DefaultKernelLoadAddr
	}
	if p.Kernel.Alignment == 0 {
		p.Kernel.Alignment = DefaultKernelAlignment
	}
	if p.Cmdline == "" {
		p.Cmdline = DefaultCmdline
	}
	if p.ACPI.CPUs == 0 {
		p.ACPI.CPUs = 1
	}
}

// resolve makes relative paths relative to the profile's directory.
func (p *Profile) resolve(dir string) {
	for _, path := range []*string{
		&p.Memory.DeviceMemory,
		&p.Kernel.Payload,
		&p.Ramdisk.Path,
		&p.VESA.ModeInfo,
	} {
		if *path != "" && !filepath.IsAbs(*path) {
			*path = filepath.Join(dir, *path)
		}
	}
}

// Validate checks the profile for layouts the address space would reject.
func (p Profile) Validate() error {
	var prevEnd uint64
	for i, r := range p.Memory.Regions {
		if r.Size == 0 {
			return fmt.Errorf("memory.regions[%d]: size is zero", i)
		}
		if r.Start%pageSize != 0 || r.Size%pageSize != 0 {
			return fmt.Errorf("memory.regions[%d]: %#x+%#x is not page aligned", i, r.Start, r.Size)
		}
		if r.Start+r.Size < r.Start {
			return fmt.Errorf("memory.regions[%d]: %#x+%#x overflows", i, r.Start, r.Size)
		}
		if i > 0 && r.Start < prevEnd {
			return fmt.Errorf("memory.regions[%d]: starts at %#x before previous end %#x", i, r.Start, prevEnd)
		}
		prevEnd = r.Start + r.Size
	}
	if a := p.Kernel.Alignment; a&(a-1) != 0 {
		return fmt.Errorf("kernel.alignment %#x is not a power of two", a)
	}
	if p.Kernel.LoadAddr%pageSize != 0 {
		return fmt.Errorf("kernel.loadAddr %#x is not page aligned", p.Kernel.LoadAddr)
	}
	if p.ACPI.CPUs < 1 || p.ACPI.CPUs > 255 {
		return fmt.Errorf("acpi.cpus %d out of range", p.ACPI.CPUs)
	}
	if p.Ramdisk.Addr != 0 && p.Ramdisk.Path == "" {
		return fmt.Errorf("ramdisk.addr set without ramdisk.path")
	}
	return nil
}

// MemoryRegions converts the configured regions for hv.NewAddressSpace.
func (p Profile) MemoryRegions() []hv.MemoryRegion {
	out := make([]hv.MemoryRegion, len(p.Memory.Regions))
	for i, r := range p.Memory.Regions {
		out[i] = hv.MemoryRegion{Start: r.Start, Size: r.Size}
	}
	return out
}

// FirmwareSource returns the boot info records described by the VESA
// section. Without a mode info block there is no VBE record and the guest
// falls back to the legacy text console.
func (v VESAConfig) FirmwareSource() (*firmware.StaticSource, error) {
	if v.ModeInfo == "" {
		return firmware.NewStaticSource(), nil
	}
	data, err := os.ReadFile(v.ModeInfo)
	if err != nil {
		return nil, fmt.Errorf("read vesa.modeInfo: %w", err)
	}
	mib, err := firmware.ParseModeInfoBlock(data)
	if err != nil {
		return nil, fmt.Errorf("parse vesa.modeInfo: %w", err)
	}
	return firmware.NewStaticSource(firmware.VBEInfo{
		ModeInfo:     mib,
		Mode:         v.Mode,
		InterfaceSeg: v.InterfaceSeg,
		InterfaceOff: v.InterfaceOff,
		InterfaceLen: v.InterfaceLen,
	}), nil
}

// Load reads, normalizes and validates a profile.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	p.resolve(filepath.Dir(path))
	return p, nil
}

// Parse decodes a profile from YAML. Relative paths are left as written.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, err
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Write encodes p as YAML at path.
func Write(path string, p Profile) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
