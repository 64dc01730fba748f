package amd64

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestboot/internal/hv"
)

const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2

	E820MaxEntries = 128

	// e820Limit is the end of the 32-bit physical space the map covers.
	e820Limit uint64 = 1 << 32
)

// E820Entry describes a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

func (e E820Entry) End() uint64 { return e.Addr + e.Size }

func (e E820Entry) String() string {
	kind := "reserved"
	if e.Type == E820RAM {
		kind = "ram"
	}
	return fmt.Sprintf("[%#010x-%#010x) %s", e.Addr, e.End(), kind)
}

// BuildE820Map converts ascending guest RAM regions into an e820 map that
// covers [0, 4 GiB). Gaps between regions and the space above the last
// region are reported reserved. Adjacent regions merge into one RAM entry.
func BuildE820Map(regions []hv.MemoryRegion) ([]E820Entry, error) {
	if err := validateRegions(regions); err != nil {
		return nil, err
	}

	entries := make([]E820Entry, 0, 2*len(regions)+1)
	emit := func(e E820Entry) error {
		if len(entries) == E820MaxEntries {
			return fmt.Errorf("%w: more than %d entries", ErrE820Overflow, E820MaxEntries)
		}
		entries = append(entries, e)
		return nil
	}

	// Zero-size reserved placeholder at 0.
	cur := E820Entry{Type: E820Reserved}
	for _, r := range regions {
		switch {
		case r.Start != cur.End():
			if cur.Size != 0 {
				if err := emit(cur); err != nil {
					return nil, err
				}
			}
			gap := cur.End()
			if err := emit(E820Entry{Addr: gap, Size: r.Start - gap, Type: E820Reserved}); err != nil {
				return nil, err
			}
			cur = E820Entry{Addr: r.Start, Type: E820RAM}
		case cur.Type != E820RAM:
			// RAM starting at 0 takes over the placeholder.
			cur = E820Entry{Addr: r.Start, Type: E820RAM}
		}
		cur.Size = r.End() - cur.Addr
	}

	if err := emit(cur); err != nil {
		return nil, err
	}
	if end := cur.End(); end < e820Limit {
		if err := emit(E820Entry{Addr: end, Size: e820Limit - end, Type: E820Reserved}); err != nil {
			return nil, err
		}
	}

	for idx, ent := range entries {
		slog.Debug("e820: entry",
			"index", idx,
			"addr", fmt.Sprintf("%#x", ent.Addr),
			"size", fmt.Sprintf("%#x", ent.Size),
			"type", ent.Type,
		)
	}
	return entries, nil
}

func validateRegions(regions []hv.MemoryRegion) error {
	if len(regions) == 0 {
		return fmt.Errorf("%w: no RAM regions", ErrInvalidMemoryMap)
	}
	var prevEnd uint64
	for idx, r := range regions {
		if r.Size == 0 {
			return fmt.Errorf("%w: region %d at %#x has zero size", ErrInvalidMemoryMap, idx, r.Start)
		}
		if r.End() < r.Start || r.End() > e820Limit {
			return fmt.Errorf("%w: region %d %s extends past 4 GiB", ErrInvalidMemoryMap, idx, r)
		}
		if idx > 0 && r.Start < prevEnd {
			return fmt.Errorf("%w: region %d %s overlaps or precedes previous region ending at %#x",
				ErrInvalidMemoryMap, idx, r, prevEnd)
		}
		prevEnd = r.End()
	}
	return nil
}
