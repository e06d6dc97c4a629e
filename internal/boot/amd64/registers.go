package amd64

import "github.com/tinyrange/minikvm/internal/hv/kvm"

const (
	cr0_PE = 1 << 0
	cr0_PG = 1 << 31

	cr4_PAE = 1 << 5

	efer_LME = 1 << 8
	efer_LMA = 1 << 10

	// rflagsReserved is bit 1 of RFLAGS, which always reads as one.
	rflagsReserved = 1 << 1
)

// LongModeSpecialRegisters returns base switched to 64-bit mode on the
// tables SetupGDT and SetupPaging write. Fields it does not name (TR, LDT,
// IDT, APIC base) keep the values from base.
func LongModeSpecialRegisters(base kvm.Sregs) kvm.Sregs {
	sregs := base

	sregs.Cr3 = PML4Addr
	sregs.Cr4 = cr4_PAE
	sregs.Cr0 = cr0_PE | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	sregs.Gdt = kvm.DTable{Base: GDTAddr, Limit: gdtLimit}

	sregs.Cs = CodeSegment
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = DataSegment, DataSegment, DataSegment, DataSegment, DataSegment

	return sregs
}

// RealModeSpecialRegisters moves the code segment from the reset vector
// to the bottom of memory so execution starts at physical address RIP.
func RealModeSpecialRegisters(base kvm.Sregs) kvm.Sregs {
	sregs := base
	sregs.Cs.Base = 0
	sregs.Cs.Selector = 0
	return sregs
}

// GeneralRegisters starts execution at entry with RSI pointing at the boot
// parameters.
func GeneralRegisters(entry, bootParams uint64) kvm.Regs {
	return kvm.Regs{
		Rflags: rflagsReserved,
		Rip:    entry,
		Rsi:    bootParams,
	}
}
