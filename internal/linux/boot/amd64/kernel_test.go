package amd64

import (
	"encoding/binary"
	"testing"
)

func TestParseKernelImageRaw(t *testing.T) {
	data := []byte{0xfa, 0xf4} // cli; hlt
	img, err := ParseKernelImage(data)
	if err != nil {
		t.Fatalf("ParseKernelImage: %v", err)
	}
	if img.BzImage {
		t.Fatalf("raw payload detected as bzImage")
	}
	if len(img.Payload()) != 2 {
		t.Fatalf("payload is %d bytes, want 2", len(img.Payload()))
	}
	if got := img.EntryPoint(0x100000, 0); got != 0x100000 {
		t.Fatalf("entry = %#x, want 0x100000", got)
	}
	if got := img.EntryPoint(0x100000, 0x100040); got != 0x100040 {
		t.Fatalf("entry override = %#x, want 0x100040", got)
	}
}

func TestParseKernelImageBzImage(t *testing.T) {
	data := make([]byte, 512*5+16)
	data[setupSectsOffset] = 4
	data[headerLengthOffset] = 0x6a
	binary.LittleEndian.PutUint32(data[setupHeaderHeaderOffset:], HeaderMagic)
	binary.LittleEndian.PutUint16(data[protocolVersionOffset:], 0x020f)
	binary.LittleEndian.PutUint32(data[kernelAlignmentOffset:], 0x200000)
	data[relocatableKernelOffset] = 1
	binary.LittleEndian.PutUint16(data[xloadflagsOffset:], 0x1)
	data[512*5] = 0xf4

	img, err := ParseKernelImage(data)
	if err != nil {
		t.Fatalf("ParseKernelImage: %v", err)
	}
	if !img.BzImage || img.ProtocolVersion != 0x020f {
		t.Fatalf("header = %+v", img)
	}
	if img.KernelAlignment != 0x200000 || !img.RelocatableKernel {
		t.Fatalf("alignment %#x relocatable %v", img.KernelAlignment, img.RelocatableKernel)
	}
	if p := img.Payload(); len(p) != 16 || p[0] != 0xf4 {
		t.Fatalf("payload = % x", p)
	}
	if got := img.EntryPoint(0x1000000, 0); got != 0x1000200 {
		t.Fatalf("entry = %#x, want 0x1000200", got)
	}
}

func TestParseKernelImageTruncatedHeader(t *testing.T) {
	data := make([]byte, 0x210)
	binary.LittleEndian.PutUint32(data[setupHeaderHeaderOffset:], HeaderMagic)
	data[headerLengthOffset] = 0xff
	if _, err := ParseKernelImage(data); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}
