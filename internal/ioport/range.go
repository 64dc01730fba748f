package ioport

import "fmt"

// Range is a span of I/O ports. End is inclusive so that port 0xffff can be
// claimed.
type Range struct {
	Start uint16
	End   uint16
}

// RangeOf returns the range of count ports beginning at start. It panics if
// count is not positive or the range would run past port 0xffff.
func RangeOf(start uint16, count int) Range {
	if count < 1 || int(start)+count-1 > 0xffff {
		panic(fmt.Sprintf("ioport: invalid range of %d ports at %#04x", count, start))
	}
	return Range{Start: start, End: uint16(int(start) + count - 1)}
}

// Port returns the range holding the single port p.
func Port(p uint16) Range { return Range{Start: p, End: p} }

func (r Range) Valid() bool { return r.Start <= r.End }

func (r Range) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// Overlaps reports whether r and o share at least one port.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Len returns the number of ports in r.
func (r Range) Len() int { return int(r.End) - int(r.Start) + 1 }

func (r Range) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%#04x", r.Start)
	}
	return fmt.Sprintf("%#04x-%#04x", r.Start, r.End)
}
