package hv

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

const (
	pageSize = 0x1000

	// allocations never start below this address so that a zero GPA can
	// never be a valid allocation result.
	minAllocAddr = pageSize
)

type backedRange struct {
	region MemoryRegion
	mem    []byte
	unmap  func() error
}

type reservation struct {
	region MemoryRegion
	mapped bool
}

func (r *reservation) Base() uint64 { return r.region.Start }
func (r *reservation) Size() uint64 { return r.region.Size }

// AddressSpace manages the guest-physical layout of a VM: the RAM regions
// handed to the guest, allocations carved out of them, and reservations for
// non-RAM ranges such as framebuffers.
type AddressSpace struct {
	mu sync.Mutex

	log *slog.Logger

	ram       []backedRange
	allocated []MemoryRegion

	reservations []*reservation
	mapped       []backedRange

	// nextAnon is the next candidate address for anonymous reservations
	// (above RAM).
	nextAnon uint64

	deviceMemory string
}

type AddressSpaceOption func(*AddressSpace)

// WithDeviceMemory sets the file whose contents back MapAt requests. The
// physical address passed to MapAt is used as the file offset.
func WithDeviceMemory(path string) AddressSpaceOption {
	return func(a *AddressSpace) { a.deviceMemory = path }
}

func WithLogger(log *slog.Logger) AddressSpaceOption {
	return func(a *AddressSpace) { a.log = log }
}

// NewAddressSpace creates a guest-physical address space with one host
// mapping per RAM region. Regions must be page aligned, ascending and
// non-overlapping.
func NewAddressSpace(regions []MemoryRegion, opts ...AddressSpaceOption) (*AddressSpace, error) {
	a := &AddressSpace{log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}

	var prevEnd uint64
	for i, r := range regions {
		if r.Size == 0 {
			return nil, fmt.Errorf("address_space: region %d is empty", i)
		}
		if r.Start%pageSize != 0 || r.Size%pageSize != 0 {
			return nil, fmt.Errorf("address_space: region %d %s is not page aligned", i, r)
		}
		if r.End() < r.Start {
			return nil, fmt.Errorf("address_space: region %d %s overflows", i, r)
		}
		if i > 0 && r.Start < prevEnd {
			return nil, fmt.Errorf("address_space: region %d %s overlaps or precedes previous region", i, r)
		}
		prevEnd = r.End()
	}

	for _, r := range regions {
		mem, unmap, err := allocateBacking(r.Size)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("address_space: back region %s: %w", r, err)
		}
		a.ram = append(a.ram, backedRange{region: r, mem: mem, unmap: unmap})
	}

	a.nextAnon = alignUp(prevEnd, pageSize)
	return a, nil
}

// RAMRegions returns the guest RAM regions in ascending order.
func (a *AddressSpace) RAMRegions() []MemoryRegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]MemoryRegion, len(a.ram))
	for i, r := range a.ram {
		out[i] = r.region
	}
	return out
}

// RAMSize returns the total amount of guest RAM.
func (a *AddressSpace) RAMSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, r := range a.ram {
		total += r.region.Size
	}
	return total
}

// Allocate returns the lowest page-aligned free RAM range of at least size
// bytes.
func (a *AddressSpace) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("address_space: cannot allocate zero bytes")
	}
	size = alignUp(size, pageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.ram {
		candidate := alignUp(r.region.Start, pageSize)
		if candidate < minAllocAddr {
			candidate = minAllocAddr
		}
		for _, used := range a.allocated {
			if used.End() <= candidate {
				continue
			}
			if used.Start >= candidate+size {
				break
			}
			candidate = alignUp(used.End(), pageSize)
		}
		if candidate+size <= r.region.End() && candidate+size > candidate {
			a.insertAllocated(MemoryRegion{Start: candidate, Size: size})
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("address_space: allocate %#x bytes: %w", size, ErrOutOfMemory)
}

// Claim marks [addr, addr+size) of RAM as in use, for payloads placed at
// fixed addresses.
func (a *AddressSpace) Claim(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("address_space: cannot claim zero bytes")
	}
	start := alignDown(addr, pageSize)
	want := MemoryRegion{Start: start, Size: alignUp(addr+size, pageSize) - start}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.findRAM(want.Start, want.Size) == nil {
		return fmt.Errorf("address_space: claim %s: %w", want, ErrOutOfRange)
	}
	for _, used := range a.allocated {
		if regionsOverlap(used, want) {
			return fmt.Errorf("address_space: claim %s overlaps %s: %w", want, used, ErrRegionOverlap)
		}
	}
	a.insertAllocated(want)
	return nil
}

func (a *AddressSpace) insertAllocated(r MemoryRegion) {
	idx := sort.Search(len(a.allocated), func(i int) bool {
		return a.allocated[i].Start >= r.Start
	})
	a.allocated = append(a.allocated, MemoryRegion{})
	copy(a.allocated[idx+1:], a.allocated[idx:])
	a.allocated[idx] = r
}

// ReserveAt claims a non-RAM range at a fixed address.
func (a *AddressSpace) ReserveAt(addr, size uint64) (Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("address_space: cannot reserve zero bytes at %#x", addr)
	}
	want := MemoryRegion{Start: addr, Size: size}
	if want.End() < addr {
		return nil, fmt.Errorf("address_space: reservation %#x+%#x overflows", addr, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkFree(want); err != nil {
		return nil, err
	}
	res := &reservation{region: want}
	a.reservations = append(a.reservations, res)
	return res, nil
}

// ReserveAnon claims a non-RAM range above guest RAM at the requested
// alignment.
func (a *AddressSpace) ReserveAnon(size, align uint64) (Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("address_space: cannot reserve zero bytes")
	}
	if align == 0 {
		align = pageSize
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("address_space: alignment %#x is not a power of 2", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	floor := a.nextAnon
	base := alignUp(floor, align)
	for {
		want := MemoryRegion{Start: base, Size: alignUp(size, pageSize)}
		if base < floor || want.End() < base {
			return nil, fmt.Errorf("address_space: reserve %#x bytes: %w", size, ErrOutOfMemory)
		}
		err := a.checkFree(want)
		if err == nil {
			res := &reservation{region: want}
			a.reservations = append(a.reservations, res)
			a.nextAnon = want.End()
			return res, nil
		}
		base = alignUp(a.blockerEnd(want), align)
	}
}

func (a *AddressSpace) blockerEnd(want MemoryRegion) uint64 {
	end := want.End()
	for _, r := range a.ram {
		if regionsOverlap(r.region, want) && r.region.End() > end {
			end = r.region.End()
		}
	}
	for _, r := range a.reservations {
		if regionsOverlap(r.region, want) {
			return r.region.End()
		}
	}
	return end
}

func (a *AddressSpace) checkFree(want MemoryRegion) error {
	for _, r := range a.ram {
		if regionsOverlap(r.region, want) {
			return fmt.Errorf("address_space: %s overlaps RAM %s: %w", want, r.region, ErrRegionOverlap)
		}
	}
	for _, r := range a.reservations {
		if regionsOverlap(r.region, want) {
			return fmt.Errorf("address_space: %s overlaps reservation %s: %w", want, r.region, ErrRegionOverlap)
		}
	}
	return nil
}

// Map backs a reservation with zeroed host memory.
func (a *AddressSpace) Map(res Reservation) error {
	r, err := a.lookupReservation(res)
	if err != nil {
		return err
	}

	mem, unmap, err := allocateBacking(r.region.Size)
	if err != nil {
		return fmt.Errorf("address_space: map %s: %w", r.region, err)
	}
	a.addMapping(r, mem, unmap)
	return nil
}

// MapAt backs a reservation with the device memory file at offset paddr.
func (a *AddressSpace) MapAt(res Reservation, paddr uint64) error {
	r, err := a.lookupReservation(res)
	if err != nil {
		return err
	}
	if a.deviceMemory == "" {
		return fmt.Errorf("address_space: map %s at host %#x: %w", r.region, paddr, ErrNoBacking)
	}
	if paddr%pageSize != 0 {
		return fmt.Errorf("address_space: host address %#x is not page aligned", paddr)
	}

	mem, unmap, err := mapDeviceMemory(a.deviceMemory, paddr, r.region.Size)
	if err != nil {
		return fmt.Errorf("address_space: map %s at host %#x: %w", r.region, paddr, err)
	}
	a.addMapping(r, mem, unmap)
	a.log.Debug("address_space: mapped device memory",
		"gpa", fmt.Sprintf("%#x", r.region.Start),
		"host", fmt.Sprintf("%#x", paddr),
		"size", r.region.Size)
	return nil
}

func (a *AddressSpace) lookupReservation(res Reservation) (*reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.reservations {
		if Reservation(r) == res {
			if r.mapped {
				return nil, fmt.Errorf("address_space: reservation %s already mapped: %w", r.region, ErrRegionOverlap)
			}
			return r, nil
		}
	}
	return nil, fmt.Errorf("address_space: unknown reservation")
}

func (a *AddressSpace) addMapping(r *reservation, mem []byte, unmap func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r.mapped = true
	a.mapped = append(a.mapped, backedRange{region: r.region, mem: mem, unmap: unmap})
}

func (a *AddressSpace) findRAM(addr, size uint64) *backedRange {
	for i := range a.ram {
		if a.ram[i].region.Contains(addr, size) {
			return &a.ram[i]
		}
	}
	return nil
}

func (a *AddressSpace) find(addr, size uint64) *backedRange {
	if b := a.findRAM(addr, size); b != nil {
		return b
	}
	for i := range a.mapped {
		if a.mapped[i].region.Contains(addr, size) {
			return &a.mapped[i]
		}
	}
	return nil
}

// Borrow passes a bounds-checked view of [addr, addr+size) to fn. The range
// must lie within a single RAM region or mapped reservation.
func (a *AddressSpace) Borrow(addr, size uint64, fn func(mem []byte) error) error {
	a.mu.Lock()
	b := a.find(addr, size)
	unmapped := false
	if b == nil {
		for _, r := range a.reservations {
			if r.region.Contains(addr, size) && !r.mapped {
				unmapped = true
			}
		}
	}
	a.mu.Unlock()

	if unmapped {
		return fmt.Errorf("address_space: borrow [%#x, %#x): %w", addr, addr+size, ErrNotMapped)
	}
	if b == nil {
		return fmt.Errorf("address_space: borrow [%#x, %#x): %w", addr, addr+size, ErrOutOfRange)
	}

	off := addr - b.region.Start
	view := b.mem[off : off+size : off+size]
	return fn(view)
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (a *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("address_space: negative offset %d", off)
	}
	err := a.Borrow(uint64(off), uint64(len(p)), func(mem []byte) error {
		copy(p, mem)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over guest-physical addresses.
func (a *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("address_space: negative offset %d", off)
	}
	err := a.Borrow(uint64(off), uint64(len(p)), func(mem []byte) error {
		copy(mem, p)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases all host mappings.
func (a *AddressSpace) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first error
	for _, b := range append(a.ram, a.mapped...) {
		if b.unmap == nil {
			continue
		}
		if err := b.unmap(); err != nil {
			a.log.Error("address_space: unmap", "region", b.region.String(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	a.ram = nil
	a.mapped = nil
	a.reservations = nil
	a.allocated = nil
	return first
}

var (
	_ GuestMemory = (*AddressSpace)(nil)
	_ io.ReaderAt = (*AddressSpace)(nil)
	_ io.WriterAt = (*AddressSpace)(nil)
)

func regionsOverlap(a, b MemoryRegion) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// alignUp aligns value up to the specified alignment.
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
	return value &^ (align - 1)
}
