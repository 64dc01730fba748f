package boot

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/guestboot/internal/firmware"
	"github.com/tinyrange/guestboot/internal/hv"
	amd64boot "github.com/tinyrange/guestboot/internal/linux/boot/amd64"
)

func newTestGuest(t *testing.T, regions ...hv.MemoryRegion) (*Guest, *hv.AddressSpace) {
	t.Helper()
	if len(regions) == 0 {
		regions = []hv.MemoryRegion{{Start: 0, Size: 0x9f000}, {Start: 0x100000, Size: 0x3f00000}}
	}
	mem, err := hv.NewAddressSpace(regions)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return &Guest{
		Memory: mem,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, mem
}

func readZeroPage(t *testing.T, g *Guest, mem *hv.AddressSpace) amd64boot.BootParams {
	t.Helper()
	gpa, ok := g.BootParamsGPA()
	if !ok {
		t.Fatalf("boot params not recorded")
	}
	zp := make([]byte, amd64boot.ZeroPageSize)
	if _, err := mem.ReadAt(zp, int64(gpa)); err != nil {
		t.Fatalf("ReadAt zero page: %v", err)
	}
	var p amd64boot.BootParams
	if err := p.UnmarshalBinary(zp); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	return p
}

func TestInitGuestBootStructure(t *testing.T) {
	g, mem := newTestGuest(t)

	var acpiCalls int
	g.ACPI = TableBuilderFunc(func(hv.GuestMemory) error {
		acpiCalls++
		return nil
	})

	const cmdline = "console=ttyS0 root=/dev/ram0"
	err := g.InitGuestBootStructure(BootOptions{
		Cmdline:         cmdline,
		KernelLoadAddr:  0x1000000,
		KernelAlignment: 0x200000,
		RamdiskAddr:     0x2000000,
		RamdiskSize:     0x100000,
	})
	if err != nil {
		t.Fatalf("InitGuestBootStructure: %v", err)
	}
	if acpiCalls != 1 {
		t.Fatalf("acpi builder called %d times, want 1", acpiCalls)
	}

	p := readZeroPage(t, g, mem)
	if p.Hdr.Header != 0x53726448 || p.Hdr.BootFlag != 0xaa55 || p.Hdr.TypeOfLoader != 0xff {
		t.Fatalf("header magics = %+v", p.Hdr)
	}
	if p.Hdr.Version != 0x0204 || p.Hdr.RootDev != 0x0100 {
		t.Fatalf("version/root_dev = %#x/%#x, want 0x0204/0x0100", p.Hdr.Version, p.Hdr.RootDev)
	}
	if p.Hdr.Code32Start != 0x1000000 || p.Hdr.KernelAlignment != 0x200000 || p.Hdr.RelocatableKernel != 1 {
		t.Fatalf("kernel fields = %+v", p.Hdr)
	}
	if p.Hdr.CmdlineSize != uint32(len(cmdline)) {
		t.Fatalf("cmdline_size = %d, want %d", p.Hdr.CmdlineSize, len(cmdline))
	}
	if p.AltMemK != 0 {
		t.Fatalf("alt_mem_k = %d, want 0", p.AltMemK)
	}
	if p.Screen != (amd64boot.ScreenInfo{}) {
		t.Fatalf("screen info without vesa = %+v", p.Screen)
	}

	buf := make([]byte, len(cmdline)+1)
	if _, err := mem.ReadAt(buf, int64(p.Hdr.CmdLinePtr)); err != nil {
		t.Fatalf("ReadAt cmdline: %v", err)
	}
	if string(buf[:len(cmdline)]) != cmdline || buf[len(cmdline)] != 0 {
		t.Fatalf("cmdline in guest = %q", buf)
	}

	want := []amd64boot.E820Entry{
		{Addr: 0, Size: 0x9f000, Type: amd64boot.E820RAM},
		{Addr: 0x9f000, Size: 0x61000, Type: amd64boot.E820Reserved},
		{Addr: 0x100000, Size: 0x3f00000, Type: amd64boot.E820RAM},
		{Addr: 0x4000000, Size: 0xfc000000, Type: amd64boot.E820Reserved},
	}
	if len(p.E820) != len(want) {
		t.Fatalf("e820 = %v, want %v", p.E820, want)
	}
	for i := range want {
		if p.E820[i] != want[i] {
			t.Fatalf("e820[%d] = %+v, want %+v", i, p.E820[i], want[i])
		}
	}

	if err := g.InitGuestBootStructure(BootOptions{}); !errors.Is(err, ErrAlreadyInitialised) {
		t.Fatalf("second init error = %v, want ErrAlreadyInitialised", err)
	}
}

func TestInitGuestBootStructureWithoutRamdisk(t *testing.T) {
	g, mem := newTestGuest(t)
	if err := g.InitGuestBootStructure(BootOptions{KernelLoadAddr: 0x100000}); err != nil {
		t.Fatalf("InitGuestBootStructure: %v", err)
	}
	p := readZeroPage(t, g, mem)
	if p.Hdr.Version != 0x0202 || p.Hdr.RamdiskImage != 0 || p.Hdr.RootDev != 0 {
		t.Fatalf("header = %+v, want version 0x0202 without ramdisk", p.Hdr)
	}
}

func TestInitGuestBootStructureVESAFallback(t *testing.T) {
	g, mem := newTestGuest(t)
	g.VESAEnabled = true
	g.Firmware = firmware.NewStaticSource(firmware.VBEInfo{
		ModeInfo: firmware.ModeInfoBlock{
			BytesPerScanLine: 4096,
			XResolution:      1024,
			YResolution:      768,
			BitsPerPixel:     32,
			PhysBasePtr:      0xe0000000,
		},
	})

	// No device memory backs the framebuffer, so boot continues without it.
	if err := g.InitGuestBootStructure(BootOptions{KernelLoadAddr: 0x100000}); err != nil {
		t.Fatalf("InitGuestBootStructure: %v", err)
	}
	if p := readZeroPage(t, g, mem); p.Screen != (amd64boot.ScreenInfo{}) {
		t.Fatalf("screen info = %+v, want zero", p.Screen)
	}
}

func TestInitGuestBootStructureFailures(t *testing.T) {
	t.Run("out of memory", func(t *testing.T) {
		g, _ := newTestGuest(t, hv.MemoryRegion{Start: 0, Size: 0x2000})
		err := g.InitGuestBootStructure(BootOptions{Cmdline: "quiet"})
		if !errors.Is(err, hv.ErrOutOfMemory) {
			t.Fatalf("error = %v, want ErrOutOfMemory", err)
		}
		if _, ok := g.BootParamsGPA(); ok {
			t.Fatalf("boot params recorded after failure")
		}
		// The guest stays failed.
		if err := g.InitGuestBootStructure(BootOptions{}); !errors.Is(err, hv.ErrOutOfMemory) {
			t.Fatalf("retry error = %v, want original failure", err)
		}
	})

	t.Run("acpi", func(t *testing.T) {
		g, _ := newTestGuest(t)
		boom := errors.New("no room for rsdp")
		g.ACPI = TableBuilderFunc(func(hv.GuestMemory) error { return boom })
		if err := g.InitGuestBootStructure(BootOptions{}); !errors.Is(err, boom) {
			t.Fatalf("error = %v, want %v", err, boom)
		}
		if _, ok := g.BootParamsGPA(); ok {
			t.Fatalf("boot params recorded after acpi failure")
		}
	})

	t.Run("address range", func(t *testing.T) {
		g, _ := newTestGuest(t)
		err := g.InitGuestBootStructure(BootOptions{KernelLoadAddr: 1 << 40})
		if !errors.Is(err, amd64boot.ErrAddressRange) {
			t.Fatalf("error = %v, want ErrAddressRange", err)
		}
	})

	t.Run("no memory", func(t *testing.T) {
		g := &Guest{}
		if err := g.InitGuestBootStructure(BootOptions{}); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestInitGuestThreadState(t *testing.T) {
	g, _ := newTestGuest(t)
	vcpu := hv.NewRegisterFile(0)

	if err := g.InitGuestThreadState(vcpu, 0x1000200); !errors.Is(err, ErrBootNotPrepared) {
		t.Fatalf("error before boot = %v, want ErrBootNotPrepared", err)
	}

	// Dirty registers must be cleared.
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(0xdead),
		hv.RegisterAMD64R12: hv.Register64(0xbeef),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	if err := g.InitGuestBootStructure(BootOptions{KernelLoadAddr: 0x1000000}); err != nil {
		t.Fatalf("InitGuestBootStructure: %v", err)
	}
	if err := g.InitGuestThreadState(vcpu, 0x1000200); err != nil {
		t.Fatalf("InitGuestThreadState: %v", err)
	}

	gpa, _ := g.BootParamsGPA()
	if got := vcpu.Value(hv.RegisterAMD64Rip); got != 0x1000200 {
		t.Fatalf("rip = %#x, want 0x1000200", got)
	}
	if got := vcpu.Value(hv.RegisterAMD64Rsi); got != gpa {
		t.Fatalf("rsi = %#x, want %#x", got, gpa)
	}
	if got := vcpu.Value(hv.RegisterAMD64Rflags); got != 0x2 {
		t.Fatalf("rflags = %#x, want 0x2", got)
	}
	for _, reg := range hv.AMD64GeneralPurpose {
		if reg == hv.RegisterAMD64Rsi {
			continue
		}
		if got := vcpu.Value(reg); got != 0 {
			t.Fatalf("%s = %#x, want 0", reg, got)
		}
	}
}

type failingVCPU struct{ hv.RegisterFile }

func (*failingVCPU) SetRegisters(map[hv.Register]hv.RegisterValue) error {
	return errors.New("vcpu gone")
}

func TestInitGuestThreadStateSetRegistersError(t *testing.T) {
	g, _ := newTestGuest(t)
	if err := g.InitGuestBootStructure(BootOptions{}); err != nil {
		t.Fatalf("InitGuestBootStructure: %v", err)
	}
	if err := g.InitGuestThreadState(&failingVCPU{}, 0x100000); err == nil {
		t.Fatalf("expected SetRegisters error")
	}
}
