package amd64

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestboot/internal/firmware"
	"github.com/tinyrange/guestboot/internal/hv"
)

const (
	framebufferAlign = 64 << 10
	pageSize         = 4096

	// The protected mode interface is only mapped when it lives above
	// this linear address.
	pmInterfaceFloor = 0xc000
)

// BuildScreenInfo describes the firmware's VESA linear framebuffer to the
// guest. The framebuffer is mapped into guest-physical space and, when the
// firmware reports one, so is the VBE protected mode interface.
//
// Failures are logged and yield a zero ScreenInfo. The kernel then boots
// without a framebuffer console.
func BuildScreenInfo(src firmware.Source, mem hv.Reserver, enabled bool, log *slog.Logger) ScreenInfo {
	if log == nil {
		log = slog.Default()
	}
	if !enabled {
		log.Debug("vesa: disabled")
		return ScreenInfo{}
	}

	vbe, err := firmware.VBE(src)
	if errors.Is(err, firmware.ErrUnavailable) {
		log.Debug("vesa: no vbe boot info")
		return ScreenInfo{}
	} else if err != nil {
		log.Warn("vesa: query boot info", "error", err)
		return ScreenInfo{}
	}

	si, err := mapVBE(vbe, mem, log)
	if err != nil {
		log.Warn("vesa: framebuffer unavailable", "error", err)
		return ScreenInfo{}
	}

	log.Debug("vesa: framebuffer mapped",
		"gpa", fmt.Sprintf("%#x", si.LfbBase),
		"width", si.LfbWidth,
		"height", si.LfbHeight,
		"depth", si.LfbDepth,
	)
	return si
}

func mapVBE(vbe firmware.VBEInfo, mem hv.Reserver, log *slog.Logger) (ScreenInfo, error) {
	if mem == nil {
		return ScreenInfo{}, errors.New("no guest memory")
	}
	mode := vbe.ModeInfo

	if base := vbe.InterfaceBase(); base > pmInterfaceFloor {
		aligned := alignDown(base, pageSize)
		size := alignUp(uint64(vbe.InterfaceLen)+(base-aligned), pageSize)
		res, err := mem.ReserveAt(aligned, size)
		if err != nil {
			return ScreenInfo{}, fmt.Errorf("reserve pm interface at %#x: %w", aligned, err)
		}
		if err := mem.Map(res); err != nil {
			return ScreenInfo{}, fmt.Errorf("map pm interface at %#x: %w", aligned, err)
		}
		log.Debug("vesa: pm interface mapped", "gpa", fmt.Sprintf("%#x", aligned), "size", size)
	}

	fbSize := alignUp(uint64(mode.BytesPerScanLine)*uint64(mode.YResolution), framebufferAlign)
	if fbSize == 0 {
		return ScreenInfo{}, fmt.Errorf("mode %dx%d has an empty framebuffer", mode.XResolution, mode.YResolution)
	}
	fb, err := mem.ReserveAnon(fbSize, framebufferAlign)
	if err != nil {
		return ScreenInfo{}, fmt.Errorf("reserve framebuffer: %w", err)
	}
	if err := mem.MapAt(fb, uint64(mode.PhysBasePtr)); err != nil {
		return ScreenInfo{}, fmt.Errorf("map framebuffer at %#x: %w", mode.PhysBasePtr, err)
	}
	lfbBase, err := fit32("lfb_base", fb.Base())
	if err != nil {
		return ScreenInfo{}, err
	}

	return ScreenInfo{
		OrigVideoIsVGA: VideoTypeVLFB,
		LfbWidth:       mode.XResolution,
		LfbHeight:      mode.YResolution,
		LfbDepth:       uint16(mode.BitsPerPixel),
		LfbBase:        lfbBase,
		LfbSize:        uint32(fbSize >> 16),
		LfbLineLength:  mode.BytesPerScanLine,
		RedSize:        mode.RedMaskSize,
		RedPos:         mode.RedFieldPos,
		GreenSize:      mode.GreenMaskSize,
		GreenPos:       mode.GreenFieldPos,
		BlueSize:       mode.BlueMaskSize,
		BluePos:        mode.BlueFieldPos,
		RsvdSize:       mode.RsvdMaskSize,
		RsvdPos:        mode.RsvdFieldPos,
		VesaPMSeg:      uint16(vbe.InterfaceSeg),
		VesaPMOff:      uint16(vbe.InterfaceOff),
		Pages:          uint16(mode.NumberPlanes),
	}, nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
