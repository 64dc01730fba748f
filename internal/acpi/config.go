package acpi

// Config controls the ACPI tables written for the guest. All addresses are
// guest-physical.
type Config struct {
	// Base is where the RSDP goes; the tables follow it. The whole area
	// [Base, Base+AreaSize) is reserved and backed outside RAM.
	Base     uint64
	AreaSize uint64

	NumCPUs   int
	LAPICBase uint32

	IOAPIC IOAPICConfig

	// ISAOverrides emits MADT interrupt source overrides for legacy ISA IRQs.
	ISAOverrides []InterruptOverride

	PM PMBlock

	OEM OEMInfo
}

// IOAPICConfig describes the IO-APIC entry that will be emitted into MADT.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptOverride describes a single MADT INT_SRC_OVR entry.
type InterruptOverride struct {
	Bus   uint8  // typically 0 (ISA)
	IRQ   uint8  // source IRQ
	GSI   uint32 // destination GSI
	Flags uint16 // MPS INTI polarity/trigger bits
}

// PMBlock locates the fixed-hardware power management ports the FADT
// advertises, and the SLP_TYP value the DSDT declares for S5.
type PMBlock struct {
	EventPort   uint16
	ControlPort uint16
	TimerPort   uint16
	S5SleepType uint8
	SCI         uint16
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the default table header metadata.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'I', 'N', 'Y', 'R', ' '},
		OEMTableID:      [8]byte{'G', 'U', 'E', 'S', 'T', 'B', 'T', ' '},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'R', 'Y', 'N'},
		CreatorRevision: 1,
	}
}

const (
	// The BIOS read-only area the kernel scans for the RSDP.
	biosAreaBase uint64 = 0xe0000
	biosAreaSize uint64 = 0x20000

	rsdpSize = 36
	// Tables start after the RSDP, 16-byte aligned.
	tablesOffset = 0x40
)

func (c *Config) normalize() {
	if c.Base == 0 {
		c.Base = biosAreaBase
	}
	if c.AreaSize == 0 {
		c.AreaSize = biosAreaSize
	}
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = 0xfee00000
	}
	if c.IOAPIC.Address == 0 {
		c.IOAPIC.Address = 0xfec00000
	}
	if c.PM == (PMBlock{}) {
		c.PM = PMBlock{
			EventPort:   0x400,
			ControlPort: 0x404,
			TimerPort:   0x408,
			S5SleepType: 5,
			SCI:         9,
		}
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
