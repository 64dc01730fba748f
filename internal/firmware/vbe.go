package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("firmware boot info unavailable")

// BootInfoKind selects an extended boot info record.
type BootInfoKind int

const (
	BootInfoVBE BootInfoKind = iota + 1
)

func (k BootInfoKind) String() string {
	switch k {
	case BootInfoVBE:
		return "vbe"
	default:
		return fmt.Sprintf("bootinfo(%d)", int(k))
	}
}

// Descriptor is an extended boot info record returned by a Source.
type Descriptor interface {
	Kind() BootInfoKind
}

// Source answers extended boot info queries.
type Source interface {
	ExtendedBootInfo(kind BootInfoKind) (Descriptor, error)
}

// ModeInfoBlock holds the fields of the VBE mode info block that describe
// a linear framebuffer.
type ModeInfoBlock struct {
	ModeAttributes   uint16
	BytesPerScanLine uint16

	XResolution  uint16
	YResolution  uint16
	NumberPlanes uint8
	BitsPerPixel uint8
	MemoryModel  uint8

	RedMaskSize      uint8
	RedFieldPos      uint8
	GreenMaskSize    uint8
	GreenFieldPos    uint8
	BlueMaskSize     uint8
	BlueFieldPos     uint8
	RsvdMaskSize     uint8
	RsvdFieldPos     uint8
	DirectColorModes uint8

	PhysBasePtr uint32
}

// VBEInfo is the VBE record handed over by the boot firmware: the current
// mode and the location of the protected mode interface.
type VBEInfo struct {
	ModeInfo     ModeInfoBlock
	Mode         uint32
	InterfaceSeg uint32
	InterfaceOff uint32
	InterfaceLen uint32
}

func (VBEInfo) Kind() BootInfoKind { return BootInfoVBE }

// InterfaceBase returns the physical address of the protected mode
// interface.
func (v VBEInfo) InterfaceBase() uint64 {
	return uint64(v.InterfaceSeg)<<4 + uint64(v.InterfaceOff)
}

// ModeInfoBlockSize is the size of a VBE 3.0 mode info block.
const ModeInfoBlockSize = 256

// Offsets in the VBE 3.0 ModeInfoBlock.
const (
	mibModeAttributes   = 0x00
	mibBytesPerScanLine = 0x10
	mibXResolution      = 0x12
	mibYResolution      = 0x14
	mibNumberOfPlanes   = 0x18
	mibBitsPerPixel     = 0x19
	mibMemoryModel      = 0x1b
	mibRedMaskSize      = 0x1f
	mibRedFieldPos      = 0x20
	mibGreenMaskSize    = 0x21
	mibGreenFieldPos    = 0x22
	mibBlueMaskSize     = 0x23
	mibBlueFieldPos     = 0x24
	mibRsvdMaskSize     = 0x25
	mibRsvdFieldPos     = 0x26
	mibDirectColorModes = 0x27
	mibPhysBasePtr      = 0x28
)

// ParseModeInfoBlock decodes a raw VBE mode info block as returned by
// INT 10h AX=4F01h.
func ParseModeInfoBlock(data []byte) (ModeInfoBlock, error) {
	if len(data) < ModeInfoBlockSize {
		return ModeInfoBlock{}, fmt.Errorf("vbe: mode info block is %d bytes, want %d", len(data), ModeInfoBlockSize)
	}

	le := binary.LittleEndian
	return ModeInfoBlock{
		ModeAttributes:   le.Uint16(data[mibModeAttributes:]),
		BytesPerScanLine: le.Uint16(data[mibBytesPerScanLine:]),
		XResolution:      le.Uint16(data[mibXResolution:]),
		YResolution:      le.Uint16(data[mibYResolution:]),
		NumberPlanes:     data[mibNumberOfPlanes],
		BitsPerPixel:     data[mibBitsPerPixel],
		MemoryModel:      data[mibMemoryModel],
		RedMaskSize:      data[mibRedMaskSize],
		RedFieldPos:      data[mibRedFieldPos],
		GreenMaskSize:    data[mibGreenMaskSize],
		GreenFieldPos:    data[mibGreenFieldPos],
		BlueMaskSize:     data[mibBlueMaskSize],
		BlueFieldPos:     data[mibBlueFieldPos],
		RsvdMaskSize:     data[mibRsvdMaskSize],
		RsvdFieldPos:     data[mibRsvdFieldPos],
		DirectColorModes: data[mibDirectColorModes],
		PhysBasePtr:      le.Uint32(data[mibPhysBasePtr:]),
	}, nil
}

// MarshalBinary encodes the block back to its 256-byte firmware layout.
func (m ModeInfoBlock) MarshalBinary() ([]byte, error) {
	data := make([]byte, ModeInfoBlockSize)
	le := binary.LittleEndian
	le.PutUint16(data[mibModeAttributes:], m.ModeAttributes)
	le.PutUint16(data[mibBytesPerScanLine:], m.BytesPerScanLine)
	le.PutUint16(data[mibXResolution:], m.XResolution)
	le.PutUint16(data[mibYResolution:], m.YResolution)
	data[mibNumberOfPlanes] = m.NumberPlanes
	data[mibBitsPerPixel] = m.BitsPerPixel
	data[mibMemoryModel] = m.MemoryModel
	data[mibRedMaskSize] = m.RedMaskSize
	data[mibRedFieldPos] = m.RedFieldPos
	data[mibGreenMaskSize] = m.GreenMaskSize
	data[mibGreenFieldPos] = m.GreenFieldPos
	data[mibBlueMaskSize] = m.BlueMaskSize
	data[mibBlueFieldPos] = m.BlueFieldPos
	data[mibRsvdMaskSize] = m.RsvdMaskSize
	data[mibRsvdFieldPos] = m.RsvdFieldPos
	data[mibDirectColorModes] = m.DirectColorModes
	le.PutUint32(data[mibPhysBasePtr:], m.PhysBasePtr)
	return data, nil
}
