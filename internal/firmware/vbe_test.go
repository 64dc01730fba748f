package firmware

import (
	"errors"
	"testing"
)

func TestModeInfoBlockRoundTripOffsets(t *testing.T) {
	raw := make([]byte, ModeInfoBlockSize)
	raw[0x10], raw[0x11] = 0x00, 0x10 // 4096 bytes per scan line
	raw[0x12], raw[0x13] = 0x00, 0x04 // 1024
	raw[0x14], raw[0x15] = 0x00, 0x03 // 768
	raw[0x18] = 1
	raw[0x19] = 32
	raw[0x1f], raw[0x20] = 8, 16
	raw[0x21], raw[0x22] = 8, 8
	raw[0x23], raw[0x24] = 8, 0
	raw[0x25], raw[0x26] = 8, 24
	raw[0x28], raw[0x29], raw[0x2a], raw[0x2b] = 0x00, 0x00, 0x00, 0xe0

	m, err := ParseModeInfoBlock(raw)
	if err != nil {
		t.Fatalf("ParseModeInfoBlock: %v", err)
	}
	if m.BytesPerScanLine != 4096 || m.XResolution != 1024 || m.YResolution != 768 {
		t.Fatalf("geometry = %d/%d/%d, want 4096/1024/768", m.BytesPerScanLine, m.XResolution, m.YResolution)
	}
	if m.BitsPerPixel != 32 || m.NumberPlanes != 1 {
		t.Fatalf("depth/planes = %d/%d, want 32/1", m.BitsPerPixel, m.NumberPlanes)
	}
	if m.RedFieldPos != 16 || m.GreenFieldPos != 8 || m.BlueFieldPos != 0 || m.RsvdFieldPos != 24 {
		t.Fatalf("unexpected channel layout %+v", m)
	}
	if m.PhysBasePtr != 0xe0000000 {
		t.Fatalf("PhysBasePtr = %#x, want 0xe0000000", m.PhysBasePtr)
	}

	out, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	for i := range raw {
		if out[i] != raw[i] {
			t.Fatalf("byte %#x = %#x, want %#x", i, out[i], raw[i])
		}
	}
}

func TestParseModeInfoBlockShort(t *testing.T) {
	if _, err := ParseModeInfoBlock(make([]byte, 16)); err == nil {
		t.Fatalf("expected error for short block")
	}
}

func TestStaticSource(t *testing.T) {
	empty := NewStaticSource()
	if _, err := VBE(empty); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("VBE(empty) error = %v, want ErrUnavailable", err)
	}
	if _, err := VBE(nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("VBE(nil) error = %v, want ErrUnavailable", err)
	}

	info := VBEInfo{InterfaceSeg: 0xc000, InterfaceOff: 0x10}
	got, err := VBE(NewStaticSource(info))
	if err != nil {
		t.Fatalf("VBE: %v", err)
	}
	if got.InterfaceBase() != 0xc0010 {
		t.Fatalf("InterfaceBase = %#x, want 0xc0010", got.InterfaceBase())
	}
}
