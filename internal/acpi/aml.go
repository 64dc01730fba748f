package acpi

import "bytes"

const (
	amlZeroOp    = 0x00
	amlNameOp    = 0x08
	amlBytePfx   = 0x0a
	amlPackageOp = 0x12
)

// buildDSDTBody emits the definition block:
//
//	Name (\_S5, Package () { S5, S5, 0, 0 })
func buildDSDTBody(cfg Config) []byte {
	var buf bytes.Buffer
	buf.WriteByte(amlNameOp)
	buf.WriteString("_S5_")
	buf.Write(amlPackage(
		amlByte(cfg.PM.S5SleepType),
		amlByte(cfg.PM.S5SleepType),
		[]byte{amlZeroOp},
		[]byte{amlZeroOp},
	))
	return buf.Bytes()
}

func amlByte(v uint8) []byte {
	if v == 0 {
		return []byte{amlZeroOp}
	}
	return []byte{amlBytePfx, v}
}

func amlPackage(elems ...[]byte) []byte {
	body := []byte{byte(len(elems))}
	for _, e := range elems {
		body = append(body, e...)
	}
	out := []byte{amlPackageOp}
	out = append(out, pkgLength(len(body))...)
	return append(out, body...)
}

// pkgLength encodes an AML PkgLength for a body of n bytes. The encoded
// value counts the PkgLength bytes themselves.
func pkgLength(n int) []byte {
	switch {
	case n+1 < 0x40:
		return []byte{byte(n + 1)}
	case n+2 < 0x1000:
		v := n + 2
		return []byte{0x40 | byte(v&0x0f), byte(v >> 4)}
	case n+3 < 0x100000:
		v := n + 3
		return []byte{0x80 | byte(v&0x0f), byte(v >> 4), byte(v >> 12)}
	}
	v := n + 4
	return []byte{0xc0 | byte(v&0x0f), byte(v >> 4), byte(v >> 12), byte(v >> 20)}
}
