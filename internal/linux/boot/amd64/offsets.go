package amd64

// Offsets into struct boot_params ("zero page"), see
// Documentation/arch/x86/zero-page.rst.
const (
	zeroPageSize = 4096

	screenInfoOffset = 0x000
	screenInfoSize   = 0x40

	zeroPageAltMemK     = 0x1e0
	zeroPageE820Entries = 0x1e8
	zeroPageE820Table   = 0x2d0

	setupHeaderOffset = 0x1f1

	rootDevOffset             = setupHeaderOffset + 11
	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	cmdLinePtrOffset          = setupHeaderOffset + 55
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	cmdlineSizeOffset         = setupHeaderOffset + 71
)

// Offsets into struct screen_info.
const (
	siOrigVideoIsVGA = 0x0f
	siLfbWidth       = 0x12
	siLfbHeight      = 0x14
	siLfbDepth       = 0x16
	siLfbBase        = 0x18
	siLfbSize        = 0x1c
	siLfbLineLength  = 0x24
	siRedSize        = 0x26
	siRedPos         = 0x27
	siGreenSize      = 0x28
	siGreenPos       = 0x29
	siBlueSize       = 0x2a
	siBluePos        = 0x2b
	siRsvdSize       = 0x2c
	siRsvdPos        = 0x2d
	siVesaPMSeg      = 0x2e
	siVesaPMOff      = 0x30
	siPages          = 0x32
)
