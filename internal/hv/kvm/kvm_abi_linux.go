//go:build linux

package kvm

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

const maxCPUIDEntries = 256

// kvmCPUID2 is struct kvm_cpuid2 with its flexible array sized for the
// largest table we ask for.
type kvmCPUID2 struct {
	Nr      uint32
	Padding uint32
	Entries [maxCPUIDEntries]kvmCPUIDEntry2
}
