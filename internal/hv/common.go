package hv

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory   = errors.New("guest memory exhausted")
	ErrOutOfRange    = errors.New("guest physical range not backed")
	ErrRegionOverlap = errors.New("guest physical range already in use")
	ErrNoBacking     = errors.New("no host backing for guest physical address")
	ErrNotMapped     = errors.New("reservation not mapped")

	ErrGuestRequestedReboot   = errors.New("guest requested reboot")
	ErrGuestRequestedShutdown = errors.New("guest requested shutdown")
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// AMD64GeneralPurpose lists the integer registers in encoding order.
var AMD64GeneralPurpose = []Register{
	RegisterAMD64Rax,
	RegisterAMD64Rcx,
	RegisterAMD64Rdx,
	RegisterAMD64Rbx,
	RegisterAMD64Rsp,
	RegisterAMD64Rbp,
	RegisterAMD64Rsi,
	RegisterAMD64Rdi,
	RegisterAMD64R8,
	RegisterAMD64R9,
	RegisterAMD64R10,
	RegisterAMD64R11,
	RegisterAMD64R12,
	RegisterAMD64R13,
	RegisterAMD64R14,
	RegisterAMD64R15,
}

type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error
}

// MemoryRegion is a contiguous range of guest-physical RAM.
type MemoryRegion struct {
	Start uint64
	Size  uint64
}

func (r MemoryRegion) End() uint64 { return r.Start + r.Size }

func (r MemoryRegion) Contains(addr, size uint64) bool {
	return addr >= r.Start && addr+size >= addr && addr+size <= r.End()
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End())
}

// Allocator hands out guest RAM.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

// Borrower grants scoped access to guest memory. The slice passed to fn is
// only valid until fn returns.
type Borrower interface {
	Borrow(addr, size uint64, fn func(mem []byte) error) error
}

// Reservation is a claimed guest-physical range outside the RAM allocator.
type Reservation interface {
	Base() uint64
	Size() uint64
}

// Reserver claims and backs guest-physical ranges that are not RAM.
type Reserver interface {
	ReserveAt(addr, size uint64) (Reservation, error)
	ReserveAnon(size, align uint64) (Reservation, error)
	// Map backs the reservation with fresh host memory at its own address.
	Map(res Reservation) error
	// MapAt backs the reservation with host memory at physical address paddr.
	MapAt(res Reservation, paddr uint64) error
}

// GuestMemory is the guest-physical memory surface the boot path needs.
type GuestMemory interface {
	Allocator
	Borrower
	Reserver

	RAMRegions() []MemoryRegion
}
