package amd64

import (
	"errors"
	"testing"

	"github.com/tinyrange/guestboot/internal/hv"
)

func checkCoverage(t *testing.T, regions []hv.MemoryRegion, entries []E820Entry) {
	t.Helper()

	var next uint64
	for idx, ent := range entries {
		if ent.Addr != next {
			t.Fatalf("e820[%d].addr = %#x, want %#x (map not contiguous)", idx, ent.Addr, next)
		}
		if ent.Size == 0 {
			t.Fatalf("e820[%d] has zero size", idx)
		}
		next = ent.End()
	}
	if next != 1<<32 {
		t.Fatalf("map ends at %#x, want 0x100000000", next)
	}

	inRegion := func(addr uint64) bool {
		for _, r := range regions {
			if addr >= r.Start && addr < r.End() {
				return true
			}
		}
		return false
	}
	for idx, ent := range entries {
		// Sample both ends of every entry.
		for _, addr := range []uint64{ent.Addr, ent.End() - 1} {
			if got, want := ent.Type == E820RAM, inRegion(addr); got != want {
				t.Fatalf("e820[%d] %s: address %#x ram=%v, want %v", idx, ent, addr, got, want)
			}
		}
	}
}

func TestBuildE820MapSingleRegion(t *testing.T) {
	regions := []hv.MemoryRegion{{Start: 0x100000, Size: 0x3f00000}}
	entries, err := BuildE820Map(regions)
	if err != nil {
		t.Fatalf("BuildE820Map: %v", err)
	}

	want := []E820Entry{
		{Addr: 0, Size: 0x100000, Type: E820Reserved},
		{Addr: 0x100000, Size: 0x3f00000, Type: E820RAM},
		{Addr: 0x4000000, Size: 0x100000000 - 0x4000000, Type: E820Reserved},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries %v, want %v", len(entries), entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("e820[%d] = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestBuildE820MapCoalescesContiguousRegions(t *testing.T) {
	regions := []hv.MemoryRegion{
		{Start: 0, Size: 0x1000},
		{Start: 0x1000, Size: 0x1000},
	}
	entries, err := BuildE820Map(regions)
	if err != nil {
		t.Fatalf("BuildE820Map: %v", err)
	}
	if entries[0] != (E820Entry{Addr: 0, Size: 0x2000, Type: E820RAM}) {
		t.Fatalf("e820[0] = %+v, want RAM [0,0x2000)", entries[0])
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(entries), entries)
	}
	checkCoverage(t, regions, entries)
}

func TestBuildE820MapGaps(t *testing.T) {
	regions := []hv.MemoryRegion{
		{Start: 0x1000, Size: 0x9e000},
		{Start: 0x100000, Size: 0x100000},
		{Start: 0x200000, Size: 0x200000},
		{Start: 0x80000000, Size: 0x10000000},
	}
	entries, err := BuildE820Map(regions)
	if err != nil {
		t.Fatalf("BuildE820Map: %v", err)
	}
	checkCoverage(t, regions, entries)

	var ram int
	for _, ent := range entries {
		if ent.Type == E820RAM {
			ram++
		}
	}
	if ram != 3 {
		t.Fatalf("got %d RAM entries, want 3 (two regions coalesce): %v", ram, entries)
	}
}

func TestBuildE820MapRAMUpTo4GiB(t *testing.T) {
	regions := []hv.MemoryRegion{{Start: 0x100000, Size: 1<<32 - 0x100000}}
	entries, err := BuildE820Map(regions)
	if err != nil {
		t.Fatalf("BuildE820Map: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (no trailing reserved entry): %v", len(entries), entries)
	}
	checkCoverage(t, regions, entries)
}

func TestBuildE820MapCapacity(t *testing.T) {
	// 64 separated regions ending at 4 GiB produce exactly 128 entries.
	const stride = 1 << 26
	var regions []hv.MemoryRegion
	for i := 0; i < 64; i++ {
		regions = append(regions, hv.MemoryRegion{Start: uint64(i)*stride + stride/2, Size: stride / 2})
	}
	entries, err := BuildE820Map(regions)
	if err != nil {
		t.Fatalf("BuildE820Map: %v", err)
	}
	if len(entries) != E820MaxEntries {
		t.Fatalf("got %d entries, want %d", len(entries), E820MaxEntries)
	}
	checkCoverage(t, regions, entries)

	// Shrinking the last region adds a trailing entry past capacity.
	regions[63].Size -= 0x1000
	if _, err := BuildE820Map(regions); !errors.Is(err, ErrE820Overflow) {
		t.Fatalf("BuildE820Map error = %v, want ErrE820Overflow", err)
	}
}

func TestBuildE820MapRejectsBadInput(t *testing.T) {
	cases := map[string][]hv.MemoryRegion{
		"empty":       nil,
		"zero size":   {{Start: 0x1000, Size: 0}},
		"descending":  {{Start: 0x200000, Size: 0x1000}, {Start: 0x100000, Size: 0x1000}},
		"overlapping": {{Start: 0x100000, Size: 0x2000}, {Start: 0x101000, Size: 0x1000}},
		"above 4GiB":  {{Start: 0xffff0000, Size: 0x20000}},
	}
	for name, regions := range cases {
		if _, err := BuildE820Map(regions); !errors.Is(err, ErrInvalidMemoryMap) {
			t.Fatalf("%s: error = %v, want ErrInvalidMemoryMap", name, err)
		}
	}
}
