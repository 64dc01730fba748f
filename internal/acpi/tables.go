// Package acpi writes the minimal ACPI table set an x86 Linux guest needs
// to find its CPUs, interrupt controllers and power management block.
package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestboot/internal/hv"
)

// Tables installs an RSDP, XSDT, FADT, MADT and DSDT into guest memory. It
// is used as the boot path's ACPI step.
type Tables struct {
	Config Config
	Log    *slog.Logger
}

// BuildTables reserves the BIOS area, backs it and writes the tables.
func (t *Tables) BuildTables(mem hv.GuestMemory) error {
	cfg := t.Config
	cfg.normalize()
	log := t.Log
	if log == nil {
		log = slog.Default()
	}

	writer := newTableWriter(cfg.Base+tablesOffset, cfg.OEM)

	dsdtAddr := writer.Append(tableParams{
		Signature:  sig("DSDT"),
		Revision:   2,
		OEMTableID: tableID("GUESTDSD"),
		Body:       buildDSDTBody(cfg),
	})
	madtAddr := writer.Append(tableParams{
		Signature:  sig("APIC"),
		Revision:   3,
		OEMTableID: tableID("GUESTAPC"),
		Body:       buildMADTBody(cfg),
	})
	fadtAddr := writer.Append(tableParams{
		Signature:  sig("FACP"),
		Revision:   5,
		OEMTableID: tableID("GUESTFAC"),
		Body:       buildFADTBody(cfg, dsdtAddr),
	})
	xsdtAddr := writer.Append(tableParams{
		Signature:  sig("XSDT"),
		Revision:   1,
		OEMTableID: tableID("GUESTXSD"),
		Body:       buildXSDTBody([]uint64{fadtAddr, madtAddr}),
	})

	tables := writer.Bytes()
	total := uint64(tablesOffset + len(tables))
	if total > cfg.AreaSize {
		return fmt.Errorf("acpi: tables need %#x bytes, area is %#x", total, cfg.AreaSize)
	}

	res, err := mem.ReserveAt(cfg.Base, cfg.AreaSize)
	if err != nil {
		return fmt.Errorf("acpi: reserve %#x: %w", cfg.Base, err)
	}
	if err := mem.Map(res); err != nil {
		return fmt.Errorf("acpi: back %#x: %w", cfg.Base, err)
	}

	rsdp := buildRSDP(xsdtAddr, cfg.OEM)
	if err := mem.Borrow(cfg.Base, total, func(b []byte) error {
		copy(b, rsdp)
		copy(b[tablesOffset:], tables)
		return nil
	}); err != nil {
		return fmt.Errorf("acpi: write tables: %w", err)
	}

	log.Debug("acpi: tables written",
		"rsdp", fmt.Sprintf("%#x", cfg.Base),
		"xsdt", fmt.Sprintf("%#x", xsdtAddr),
		"cpus", cfg.NumCPUs,
		"bytes", total,
	)
	return nil
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, uint32(1)) // PCAT_COMPAT

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.WriteByte(0) // Processor Local APIC
		buf.WriteByte(8)
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(buf, binary.LittleEndian, uint32(1)) // enabled
	}

	buf.WriteByte(1) // I/O APIC
	buf.WriteByte(12)
	buf.WriteByte(cfg.IOAPIC.ID)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.Address)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.GSIBase)

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(2) // Interrupt Source Override
		buf.WriteByte(10)
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	return buf.Bytes()
}

// FADT field offsets, relative to the start of the table.
const (
	fadtSize         = 244
	fadtDSDT         = 40
	fadtPMProfile    = 45
	fadtSCIInt       = 46
	fadtPM1aEvtBlk   = 56
	fadtPM1aCntBlk   = 64
	fadtPMTmrBlk     = 76
	fadtPM1EvtLen    = 88
	fadtPM1CntLen    = 89
	fadtPMTmrLen     = 91
	fadtIAPCBootArch = 109
	fadtFlags        = 112
	fadtResetReg     = 116
	fadtResetValue   = 128
	fadtMinorVersion = 131
	fadtXDSDT        = 140

	fadtFlagWBINVD    = 1 << 0
	fadtFlagResetReg  = 1 << 10
	iapcLegacyDevices = 1 << 0
	iapc8042          = 1 << 1
)

func buildFADTBody(cfg Config, dsdtAddr uint64) []byte {
	t := make([]byte, fadtSize)
	le := binary.LittleEndian

	le.PutUint32(t[fadtDSDT:], uint32(dsdtAddr))
	t[fadtPMProfile] = 1 // desktop
	le.PutUint16(t[fadtSCIInt:], cfg.PM.SCI)

	le.PutUint32(t[fadtPM1aEvtBlk:], uint32(cfg.PM.EventPort))
	le.PutUint32(t[fadtPM1aCntBlk:], uint32(cfg.PM.ControlPort))
	le.PutUint32(t[fadtPMTmrBlk:], uint32(cfg.PM.TimerPort))
	t[fadtPM1EvtLen] = 4
	t[fadtPM1CntLen] = 2
	t[fadtPMTmrLen] = 4

	le.PutUint16(t[fadtIAPCBootArch:], iapcLegacyDevices|iapc8042)
	le.PutUint32(t[fadtFlags:], fadtFlagWBINVD|fadtFlagResetReg)

	// RESET_REG: system I/O, 8 bits wide, at the reset control port.
	copy(t[fadtResetReg:], []byte{1, 8, 0, 1})
	le.PutUint64(t[fadtResetReg+4:], 0xcf9)
	t[fadtResetValue] = 0x06
	t[fadtMinorVersion] = 1
	le.PutUint64(t[fadtXDSDT:], dsdtAddr)

	return t[headerSize:]
}

func buildXSDTBody(entries []uint64) []byte {
	buf := make([]byte, 8*len(entries))
	for i, entry := range entries {
		binary.LittleEndian.PutUint64(buf[8*i:], entry)
	}
	return buf
}

func buildRSDP(xsdtAddr uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, rsdpSize)
	copy(rsdp[0:], "RSD PTR ")
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = 2
	binary.LittleEndian.PutUint32(rsdp[20:], rsdpSize)
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}
