package amd64

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func testInput() BootParamsInput {
	return BootParamsInput{
		E820: []E820Entry{
			{Addr: 0, Size: 0x100000, Type: E820Reserved},
			{Addr: 0x100000, Size: 0x3f00000, Type: E820RAM},
			{Addr: 0x4000000, Size: 0xfc000000, Type: E820Reserved},
		},
		CmdLine:         CommandLine{GPA: 0x1000, Len: 13},
		KernelLoadAddr:  0x1000000,
		KernelAlignment: 0x200000,
	}
}

func TestBootParamsLayout(t *testing.T) {
	in := testInput()
	in.Screen = ScreenInfo{
		OrigVideoIsVGA: VideoTypeVLFB,
		LfbWidth:       1024,
		LfbHeight:      768,
		LfbDepth:       32,
		LfbBase:        0x4000000,
		LfbSize:        48,
		LfbLineLength:  4096,
		RedSize:        8,
		RedPos:         16,
		VesaPMSeg:      0xc000,
		VesaPMOff:      0x10,
		Pages:          1,
	}

	p, err := BuildBootParams(in)
	if err != nil {
		t.Fatalf("BuildBootParams: %v", err)
	}
	zp, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(zp) != 4096 {
		t.Fatalf("zero page is %d bytes, want 4096", len(zp))
	}

	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"orig_video_isVGA", uint64(zp[0x0f]), 0x23},
		{"lfb_width", uint64(le.Uint16(zp[0x12:])), 1024},
		{"lfb_height", uint64(le.Uint16(zp[0x14:])), 768},
		{"lfb_depth", uint64(le.Uint16(zp[0x16:])), 32},
		{"lfb_base", uint64(le.Uint32(zp[0x18:])), 0x4000000},
		{"lfb_size", uint64(le.Uint32(zp[0x1c:])), 48},
		{"lfb_linelength", uint64(le.Uint16(zp[0x24:])), 4096},
		{"red_size", uint64(zp[0x26]), 8},
		{"red_pos", uint64(zp[0x27]), 16},
		{"vesapm_seg", uint64(le.Uint16(zp[0x2e:])), 0xc000},
		{"vesapm_off", uint64(le.Uint16(zp[0x30:])), 0x10},
		{"pages", uint64(le.Uint16(zp[0x32:])), 1},
		{"alt_mem_k", uint64(le.Uint32(zp[0x1e0:])), 0},
		{"e820_entries", uint64(zp[0x1e8]), 3},
		{"root_dev", uint64(le.Uint16(zp[0x1fc:])), 0},
		{"boot_flag", uint64(le.Uint16(zp[0x1fe:])), 0xaa55},
		{"header", uint64(le.Uint32(zp[0x202:])), 0x53726448},
		{"version", uint64(le.Uint16(zp[0x206:])), 0x0202},
		{"type_of_loader", uint64(zp[0x210]), 0xff},
		{"code32_start", uint64(le.Uint32(zp[0x214:])), 0x1000000},
		{"ramdisk_image", uint64(le.Uint32(zp[0x218:])), 0},
		{"cmd_line_ptr", uint64(le.Uint32(zp[0x228:])), 0x1000},
		{"kernel_alignment", uint64(le.Uint32(zp[0x230:])), 0x200000},
		{"relocatable_kernel", uint64(zp[0x234]), 1},
		{"cmdline_size", uint64(le.Uint32(zp[0x238:])), 13},
		{"e820[1].addr", le.Uint64(zp[0x2d0+20:]), 0x100000},
		{"e820[1].size", le.Uint64(zp[0x2d0+28:]), 0x3f00000},
		{"e820[1].type", uint64(le.Uint32(zp[0x2d0+36:])), 1},
		{"e820[2].type", uint64(le.Uint32(zp[0x2d0+56:])), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %#x, want %#x", c.name, c.got, c.want)
		}
	}
	if string(zp[0x202:0x206]) != "HdrS" {
		t.Fatalf("header bytes = %q, want HdrS", zp[0x202:0x206])
	}
}

func TestBootParamsRamdiskSelectsVersion(t *testing.T) {
	in := testInput()
	in.RamdiskAddr = 0x2000000
	in.RamdiskSize = 0x400000

	p, err := BuildBootParams(in)
	if err != nil {
		t.Fatalf("BuildBootParams: %v", err)
	}
	if p.Hdr.Version != ProtocolVersion204 {
		t.Fatalf("version = %#x, want 0x0204", p.Hdr.Version)
	}
	if p.Hdr.RootDev != RootDevRamdisk {
		t.Fatalf("root_dev = %#x, want 0x0100", p.Hdr.RootDev)
	}
	if p.Hdr.RamdiskImage != 0x2000000 || p.Hdr.RamdiskSize != 0x400000 {
		t.Fatalf("ramdisk = %#x/%#x, want 0x2000000/0x400000", p.Hdr.RamdiskImage, p.Hdr.RamdiskSize)
	}

	// A size without an address is not a ramdisk.
	in.RamdiskAddr = 0
	p, err = BuildBootParams(in)
	if err != nil {
		t.Fatalf("BuildBootParams: %v", err)
	}
	if p.Hdr.Version != ProtocolVersion202 || p.Hdr.RamdiskSize != 0 || p.Hdr.RootDev != 0 {
		t.Fatalf("header without ramdisk = %+v", p.Hdr)
	}
}

func TestBootParamsDeterministic(t *testing.T) {
	marshal := func() []byte {
		p, err := BuildBootParams(testInput())
		if err != nil {
			t.Fatalf("BuildBootParams: %v", err)
		}
		zp, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		return zp
	}
	if !bytes.Equal(marshal(), marshal()) {
		t.Fatalf("identical inputs produced different zero pages")
	}
}

func TestBootParamsUnmarshal(t *testing.T) {
	in := testInput()
	in.RamdiskAddr = 0x2000000
	in.RamdiskSize = 0x1000
	p, err := BuildBootParams(in)
	if err != nil {
		t.Fatalf("BuildBootParams: %v", err)
	}
	zp, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got BootParams
	if err := got.UnmarshalBinary(zp); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Hdr != p.Hdr {
		t.Fatalf("header = %+v, want %+v", got.Hdr, p.Hdr)
	}
	if len(got.E820) != len(p.E820) || got.E820[2] != p.E820[2] {
		t.Fatalf("e820 = %v, want %v", got.E820, p.E820)
	}

	if err := got.UnmarshalBinary(zp[:100]); err == nil {
		t.Fatalf("UnmarshalBinary accepted a short page")
	}
}

func TestBootParamsAddressRange(t *testing.T) {
	cases := map[string]func(*BootParamsInput){
		"load address":  func(in *BootParamsInput) { in.KernelLoadAddr = 1 << 32 },
		"cmdline":       func(in *BootParamsInput) { in.CmdLine.GPA = 0x100000000 },
		"ramdisk image": func(in *BootParamsInput) { in.RamdiskAddr = 0x1_0000_0000 },
		"ramdisk size": func(in *BootParamsInput) {
			in.RamdiskAddr = 0x2000000
			in.RamdiskSize = 1 << 33
		},
	}
	for name, mutate := range cases {
		in := testInput()
		mutate(&in)
		if _, err := BuildBootParams(in); !errors.Is(err, ErrAddressRange) {
			t.Fatalf("%s: error = %v, want ErrAddressRange", name, err)
		}
	}
}

func TestBootParamsE820Overflow(t *testing.T) {
	in := testInput()
	in.E820 = make([]E820Entry, E820MaxEntries+1)
	if _, err := BuildBootParams(in); !errors.Is(err, ErrE820Overflow) {
		t.Fatalf("BuildBootParams error = %v, want ErrE820Overflow", err)
	}
	if _, err := (BootParams{E820: in.E820}).MarshalBinary(); !errors.Is(err, ErrE820Overflow) {
		t.Fatalf("MarshalBinary error = %v, want ErrE820Overflow", err)
	}
}
