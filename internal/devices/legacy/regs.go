package legacy

import "github.com/tinyrange/guestboot/internal/ioport"

// readReg returns the size bytes of a little-endian register starting at
// byte offset off. Bytes past the register read as zero.
func readReg(value uint64, off uint16, size int) uint32 {
	if off >= 8 {
		return 0
	}
	return uint32(value>>(8*off)) & ioport.SizeMask(size)
}

// writeReg merges a size-byte write at byte offset off into a register of
// width bytes. Bytes past the register are dropped.
func writeReg(reg uint64, width int, off uint16, size int, v uint32) uint64 {
	for i := 0; i < size; i++ {
		pos := int(off) + i
		if pos >= width {
			break
		}
		shift := uint(8 * pos)
		reg = reg&^(0xff<<shift) | uint64(byte(v>>(8*i)))<<shift
	}
	return reg
}
