package acpi

import (
	"bytes"
	"encoding/binary"
)

const headerSize = 36

// tableWriter lays out System Description Tables back to back starting at
// base, each 8-byte aligned.
type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	oem  OEMInfo
}

func newTableWriter(base uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, oem: oem}
}

type tableParams struct {
	Signature  [4]byte
	Revision   uint8
	OEMTableID [8]byte
	Body       []byte
}

// Append writes one table with its header and checksum and returns its
// guest-physical address.
func (w *tableWriter) Append(params tableParams) uint64 {
	start := w.buf.Len()

	header := make([]byte, headerSize)
	copy(header[0:4], params.Signature[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(headerSize+len(params.Body)))
	header[8] = params.Revision
	copy(header[10:16], w.oem.OEMID[:])
	id := params.OEMTableID
	if id == ([8]byte{}) {
		id = w.oem.OEMTableID
	}
	copy(header[16:24], id[:])
	binary.LittleEndian.PutUint32(header[24:28], w.oem.OEMRevision)
	copy(header[28:32], w.oem.CreatorID[:])
	binary.LittleEndian.PutUint32(header[32:36], w.oem.CreatorRevision)

	w.buf.Write(header)
	w.buf.Write(params.Body)

	table := w.buf.Bytes()[start:]
	table[9] = checksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}
	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte { return w.buf.Bytes() }

// checksum returns the byte that makes b sum to zero.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], name)
	return out
}

func tableID(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}
