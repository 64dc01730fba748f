package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/guestboot/internal/firmware"
	"github.com/tinyrange/guestboot/internal/hv"
	amd64boot "github.com/tinyrange/guestboot/internal/linux/boot/amd64"
)

var (
	ErrBootNotPrepared    = errors.New("boot structure not initialised")
	ErrAlreadyInitialised = errors.New("boot structure already initialised")
)

// initialRflags has only the reserved bit 1 set.
const initialRflags = 0x2

// TableBuilder writes the ACPI tables for a guest. It runs last and must
// succeed for the guest to boot.
type TableBuilder interface {
	BuildTables(mem hv.GuestMemory) error
}

// TableBuilderFunc adapts a function to TableBuilder.
type TableBuilderFunc func(mem hv.GuestMemory) error

func (f TableBuilderFunc) BuildTables(mem hv.GuestMemory) error { return f(mem) }

// BootOptions are the per-boot inputs to InitGuestBootStructure. The kernel
// and ramdisk are already in guest memory.
type BootOptions struct {
	Cmdline string

	KernelLoadAddr  uint64
	KernelAlignment uint64

	// RamdiskAddr of zero means no ramdisk.
	RamdiskAddr uint64
	RamdiskSize uint64
}

type bootState int

const (
	stateNew bootState = iota
	stateReady
	stateFailed
)

// Guest holds the boot state of one virtual machine.
type Guest struct {
	Memory      hv.GuestMemory
	Firmware    firmware.Source
	VESAEnabled bool
	ACPI        TableBuilder
	Log         *slog.Logger

	mu            sync.Mutex
	state         bootState
	failure       error
	bootParamsGPA uint64
	params        amd64boot.BootParams
	cmdline       amd64boot.CommandLine
}

func (g *Guest) log() *slog.Logger {
	if g.Log != nil {
		return g.Log
	}
	return slog.Default()
}

// InitGuestBootStructure places the kernel command line and the zero page
// in guest memory and then runs the ACPI step. It may succeed only once; a
// failed attempt leaves the guest unbootable.
func (g *Guest) InitGuestBootStructure(opts BootOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case stateReady:
		return fmt.Errorf("boot: %w", ErrAlreadyInitialised)
	case stateFailed:
		return fmt.Errorf("boot: previous initialisation failed: %w", g.failure)
	}

	if err := g.initBootStructure(opts); err != nil {
		g.state = stateFailed
		g.failure = err
		return err
	}
	g.state = stateReady
	return nil
}

func (g *Guest) initBootStructure(opts BootOptions) error {
	if g.Memory == nil {
		return errors.New("boot: guest has no memory")
	}
	log := g.log()

	cmdline, err := amd64boot.WriteCommandLine(g.Memory, opts.Cmdline)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	gpa, err := g.Memory.Allocate(amd64boot.ZeroPageSize)
	if err != nil {
		return fmt.Errorf("boot: allocate zero page: %w", err)
	}

	screen := amd64boot.BuildScreenInfo(g.Firmware, g.Memory, g.VESAEnabled, log)

	e820, err := amd64boot.BuildE820Map(g.Memory.RAMRegions())
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	params, err := amd64boot.BuildBootParams(amd64boot.BootParamsInput{
		Screen:          screen,
		E820:            e820,
		CmdLine:         cmdline,
		KernelLoadAddr:  opts.KernelLoadAddr,
		KernelAlignment: opts.KernelAlignment,
		RamdiskAddr:     opts.RamdiskAddr,
		RamdiskSize:     opts.RamdiskSize,
	})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	zp, err := params.MarshalBinary()
	if err != nil {
		return fmt.Errorf("boot: encode zero page: %w", err)
	}

	if err := g.Memory.Borrow(gpa, uint64(len(zp)), func(mem []byte) error {
		copy(mem, zp)
		return nil
	}); err != nil {
		return fmt.Errorf("boot: write zero page at %#x: %w", gpa, err)
	}

	if g.ACPI == nil {
		log.Debug("boot: no acpi table builder configured")
	} else if err := g.ACPI.BuildTables(g.Memory); err != nil {
		return fmt.Errorf("boot: build acpi tables: %w", err)
	}

	g.bootParamsGPA = gpa
	g.params = params
	g.cmdline = cmdline

	log.Info("boot: zero page written",
		"gpa", fmt.Sprintf("%#x", gpa),
		"version", fmt.Sprintf("%#04x", params.Hdr.Version),
		"cmdline", fmt.Sprintf("%#x", cmdline.GPA),
		"e820_entries", len(e820),
		"framebuffer", screen.Enabled(),
	)
	return nil
}

// BootParamsGPA returns the guest address of the zero page once
// InitGuestBootStructure has succeeded.
func (g *Guest) BootParamsGPA() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bootParamsGPA, g.state == stateReady
}

// BootParams returns the zero page contents written to the guest.
func (g *Guest) BootParams() (amd64boot.BootParams, amd64boot.CommandLine, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params, g.cmdline, g.state == stateReady
}

// InitGuestThreadState loads the Linux x86 64-bit boot register state into
// vcpu: general purpose registers cleared, RSI pointing at the zero page and
// RIP at entry.
func (g *Guest) InitGuestThreadState(vcpu hv.VirtualCPU, entry uint64) error {
	gpa, ok := g.BootParamsGPA()
	if !ok {
		return fmt.Errorf("boot: vcpu %d: %w", vcpu.ID(), ErrBootNotPrepared)
	}

	regs := make(map[hv.Register]hv.RegisterValue, len(hv.AMD64GeneralPurpose)+2)
	for _, reg := range hv.AMD64GeneralPurpose {
		regs[reg] = hv.Register64(0)
	}
	regs[hv.RegisterAMD64Rsi] = hv.Register64(gpa)
	regs[hv.RegisterAMD64Rip] = hv.Register64(entry)
	regs[hv.RegisterAMD64Rflags] = hv.Register64(initialRflags)

	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("boot: set vcpu %d registers: %w", vcpu.ID(), err)
	}

	g.log().Debug("boot: vcpu initialised",
		"vcpu", vcpu.ID(),
		"rip", fmt.Sprintf("%#x", entry),
		"rsi", fmt.Sprintf("%#x", gpa),
	)
	return nil
}
