package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrE820Overflow     = errors.New("e820 map exceeds table capacity")
	ErrInvalidMemoryMap = errors.New("invalid guest memory map")
	ErrAddressRange     = errors.New("address does not fit boot protocol field")
)

const (
	BootFlagMagic   uint16 = 0xaa55
	HeaderMagic     uint32 = 0x53726448 // "HdrS"
	LoaderUndefined uint8  = 0xff

	ProtocolVersion202 uint16 = 0x0202
	ProtocolVersion204 uint16 = 0x0204

	// RootDevRamdisk is root_dev for /dev/ram0 (major 1, minor 0).
	RootDevRamdisk uint16 = 0x0100

	// VideoTypeVLFB marks a VESA linear framebuffer in orig_video_isVGA.
	VideoTypeVLFB uint8 = 0x23

	// ZeroPageSize is the size of struct boot_params.
	ZeroPageSize = zeroPageSize

	e820EntrySize = 20
)

// ScreenInfo mirrors the fields of struct screen_info the loader fills in.
type ScreenInfo struct {
	OrigVideoIsVGA uint8

	LfbWidth      uint16
	LfbHeight     uint16
	LfbDepth      uint16
	LfbBase       uint32
	LfbSize       uint32 // in 64 KiB units
	LfbLineLength uint16

	RedSize   uint8
	RedPos    uint8
	GreenSize uint8
	GreenPos  uint8
	BlueSize  uint8
	BluePos   uint8
	RsvdSize  uint8
	RsvdPos   uint8

	VesaPMSeg uint16
	VesaPMOff uint16
	Pages     uint16
}

// Enabled reports whether the screen info describes a framebuffer.
func (s ScreenInfo) Enabled() bool { return s.OrigVideoIsVGA == VideoTypeVLFB }

func (s ScreenInfo) encode(b []byte) {
	le := binary.LittleEndian
	b[siOrigVideoIsVGA] = s.OrigVideoIsVGA
	le.PutUint16(b[siLfbWidth:], s.LfbWidth)
	le.PutUint16(b[siLfbHeight:], s.LfbHeight)
	le.PutUint16(b[siLfbDepth:], s.LfbDepth)
	le.PutUint32(b[siLfbBase:], s.LfbBase)
	le.PutUint32(b[siLfbSize:], s.LfbSize)
	le.PutUint16(b[siLfbLineLength:], s.LfbLineLength)
	b[siRedSize] = s.RedSize
	b[siRedPos] = s.RedPos
	b[siGreenSize] = s.GreenSize
	b[siGreenPos] = s.GreenPos
	b[siBlueSize] = s.BlueSize
	b[siBluePos] = s.BluePos
	b[siRsvdSize] = s.RsvdSize
	b[siRsvdPos] = s.RsvdPos
	le.PutUint16(b[siVesaPMSeg:], s.VesaPMSeg)
	le.PutUint16(b[siVesaPMOff:], s.VesaPMOff)
	le.PutUint16(b[siPages:], s.Pages)
}

func decodeScreenInfo(b []byte) ScreenInfo {
	le := binary.LittleEndian
	return ScreenInfo{
		OrigVideoIsVGA: b[siOrigVideoIsVGA],
		LfbWidth:       le.Uint16(b[siLfbWidth:]),
		LfbHeight:      le.Uint16(b[siLfbHeight:]),
		LfbDepth:       le.Uint16(b[siLfbDepth:]),
		LfbBase:        le.Uint32(b[siLfbBase:]),
		LfbSize:        le.Uint32(b[siLfbSize:]),
		LfbLineLength:  le.Uint16(b[siLfbLineLength:]),
		RedSize:        b[siRedSize],
		RedPos:         b[siRedPos],
		GreenSize:      b[siGreenSize],
		GreenPos:       b[siGreenPos],
		BlueSize:       b[siBlueSize],
		BluePos:        b[siBluePos],
		RsvdSize:       b[siRsvdSize],
		RsvdPos:        b[siRsvdPos],
		VesaPMSeg:      le.Uint16(b[siVesaPMSeg:]),
		VesaPMOff:      le.Uint16(b[siVesaPMOff:]),
		Pages:          le.Uint16(b[siPages:]),
	}
}

// SetupHeader holds the struct setup_header fields written by the loader.
// Every other header byte stays zero.
type SetupHeader struct {
	RootDev           uint16
	BootFlag          uint16
	Header            uint32
	Version           uint16
	TypeOfLoader      uint8
	Code32Start       uint32
	RamdiskImage      uint32
	RamdiskSize       uint32
	CmdLinePtr        uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	CmdlineSize       uint32
}

// BootParams is the host-side view of the 4 KiB zero page.
type BootParams struct {
	Screen  ScreenInfo
	AltMemK uint32
	E820    []E820Entry
	Hdr     SetupHeader
}

// MarshalBinary encodes the zero page at the Linux boot protocol offsets.
func (p BootParams) MarshalBinary() ([]byte, error) {
	if len(p.E820) > E820MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrE820Overflow, len(p.E820))
	}

	zp := make([]byte, zeroPageSize)
	le := binary.LittleEndian

	p.Screen.encode(zp[screenInfoOffset : screenInfoOffset+screenInfoSize])
	le.PutUint32(zp[zeroPageAltMemK:], p.AltMemK)

	zp[zeroPageE820Entries] = byte(len(p.E820))
	for idx, ent := range p.E820 {
		base := zeroPageE820Table + idx*e820EntrySize
		le.PutUint64(zp[base:], ent.Addr)
		le.PutUint64(zp[base+8:], ent.Size)
		le.PutUint32(zp[base+16:], ent.Type)
	}

	h := p.Hdr
	le.PutUint16(zp[rootDevOffset:], h.RootDev)
	le.PutUint16(zp[setupHeaderBootFlagOffset:], h.BootFlag)
	le.PutUint32(zp[setupHeaderHeaderOffset:], h.Header)
	le.PutUint16(zp[protocolVersionOffset:], h.Version)
	zp[typeOfLoaderOffset] = h.TypeOfLoader
	le.PutUint32(zp[code32StartOffset:], h.Code32Start)
	le.PutUint32(zp[ramdiskImageOffset:], h.RamdiskImage)
	le.PutUint32(zp[ramdiskSizeOffset:], h.RamdiskSize)
	le.PutUint32(zp[cmdLinePtrOffset:], h.CmdLinePtr)
	le.PutUint32(zp[kernelAlignmentOffset:], h.KernelAlignment)
	zp[relocatableKernelOffset] = h.RelocatableKernel
	le.PutUint32(zp[cmdlineSizeOffset:], h.CmdlineSize)

	return zp, nil
}

// UnmarshalBinary decodes a zero page produced by MarshalBinary.
func (p *BootParams) UnmarshalBinary(zp []byte) error {
	if len(zp) < zeroPageSize {
		return fmt.Errorf("zero page is %d bytes, want %d", len(zp), zeroPageSize)
	}
	le := binary.LittleEndian

	n := int(zp[zeroPageE820Entries])
	if n > E820MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrE820Overflow, n)
	}
	entries := make([]E820Entry, n)
	for idx := range entries {
		base := zeroPageE820Table + idx*e820EntrySize
		entries[idx] = E820Entry{
			Addr: le.Uint64(zp[base:]),
			Size: le.Uint64(zp[base+8:]),
			Type: le.Uint32(zp[base+16:]),
		}
	}

	*p = BootParams{
		Screen:  decodeScreenInfo(zp[screenInfoOffset : screenInfoOffset+screenInfoSize]),
		AltMemK: le.Uint32(zp[zeroPageAltMemK:]),
		E820:    entries,
		Hdr: SetupHeader{
			RootDev:           le.Uint16(zp[rootDevOffset:]),
			BootFlag:          le.Uint16(zp[setupHeaderBootFlagOffset:]),
			Header:            le.Uint32(zp[setupHeaderHeaderOffset:]),
			Version:           le.Uint16(zp[protocolVersionOffset:]),
			TypeOfLoader:      zp[typeOfLoaderOffset],
			Code32Start:       le.Uint32(zp[code32StartOffset:]),
			RamdiskImage:      le.Uint32(zp[ramdiskImageOffset:]),
			RamdiskSize:       le.Uint32(zp[ramdiskSizeOffset:]),
			CmdLinePtr:        le.Uint32(zp[cmdLinePtrOffset:]),
			KernelAlignment:   le.Uint32(zp[kernelAlignmentOffset:]),
			RelocatableKernel: zp[relocatableKernelOffset],
			CmdlineSize:       le.Uint32(zp[cmdlineSizeOffset:]),
		},
	}
	return nil
}

// BootParamsInput collects everything BuildBootParams needs. The fields are
// already placed in guest memory by the caller.
type BootParamsInput struct {
	Screen  ScreenInfo
	E820    []E820Entry
	CmdLine CommandLine

	KernelLoadAddr  uint64
	KernelAlignment uint64

	// RamdiskAddr of zero means no ramdisk.
	RamdiskAddr uint64
	RamdiskSize uint64
}

// BuildBootParams fills in the zero page for in. It performs no I/O.
func BuildBootParams(in BootParamsInput) (BootParams, error) {
	if len(in.E820) > E820MaxEntries {
		return BootParams{}, fmt.Errorf("%w: %d entries", ErrE820Overflow, len(in.E820))
	}

	code32, err := fit32("code32_start", in.KernelLoadAddr)
	if err != nil {
		return BootParams{}, err
	}
	align, err := fit32("kernel_alignment", in.KernelAlignment)
	if err != nil {
		return BootParams{}, err
	}
	cmdPtr, err := fit32("cmd_line_ptr", in.CmdLine.GPA)
	if err != nil {
		return BootParams{}, err
	}
	if in.CmdLine.Len < 0 {
		return BootParams{}, fmt.Errorf("%w: cmdline_size %d", ErrAddressRange, in.CmdLine.Len)
	}
	cmdSize, err := fit32("cmdline_size", uint64(in.CmdLine.Len))
	if err != nil {
		return BootParams{}, err
	}

	p := BootParams{
		Screen:  in.Screen,
		AltMemK: 0,
		E820:    append([]E820Entry(nil), in.E820...),
		Hdr: SetupHeader{
			BootFlag:          BootFlagMagic,
			Header:            HeaderMagic,
			Version:           ProtocolVersion202,
			TypeOfLoader:      LoaderUndefined,
			Code32Start:       code32,
			CmdLinePtr:        cmdPtr,
			KernelAlignment:   align,
			RelocatableKernel: 1,
			CmdlineSize:       cmdSize,
		},
	}

	if in.RamdiskAddr != 0 {
		image, err := fit32("ramdisk_image", in.RamdiskAddr)
		if err != nil {
			return BootParams{}, err
		}
		size, err := fit32("ramdisk_size", in.RamdiskSize)
		if err != nil {
			return BootParams{}, err
		}
		p.Hdr.RamdiskImage = image
		p.Hdr.RamdiskSize = size
		p.Hdr.RootDev = RootDevRamdisk
		p.Hdr.Version = ProtocolVersion204
	}

	return p, nil
}

func fit32(field string, v uint64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s %#x exceeds 32 bits", ErrAddressRange, field, v)
	}
	return uint32(v), nil
}
