// Package amd64 builds the x86-64 CPU state the harness boots guests
// into: a flat GDT, identity page tables and the matching registers.
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/minikvm/internal/hv/kvm"
)

// Guest physical layout of the boot structures. The GDT shares the first
// page with nothing else the harness writes; the page tables follow.
const (
	GDTAddr  = 0x0000
	PML4Addr = 0x1000
	PDPTAddr = 0x2000
	PDAddr   = 0x3000

	// ReservedEnd is the first address past the boot structures.
	ReservedEnd = 0x4000
)

const (
	CodeSelector = 0x10
	DataSelector = 0x18

	gdtEntries = 4
	gdtLimit   = gdtEntries*8 - 1
)

// Segment type field.
const (
	segTypeAccessed = 1 << 0
	segTypeWritable = 1 << 1 // data segments
	segTypeReadable = 1 << 1 // code segments
	segTypeCode     = 1 << 3
)

// CodeSegment is the flat 64-bit ring 0 code segment.
var CodeSegment = kvm.Segment{
	Base:     0,
	Limit:    0xffffffff,
	Selector: CodeSelector,
	Type:     segTypeCode | segTypeReadable,
	Present:  1,
	Dpl:      0,
	Db:       0, // must be clear when L is set
	S:        1,
	L:        1,
	G:        1,
}

// DataSegment is the flat 4 GiB ring 0 data segment used for every data
// segment register.
var DataSegment = kvm.Segment{
	Base:     0,
	Limit:    0xffffffff,
	Selector: DataSelector,
	Type:     segTypeWritable,
	Present:  1,
	Dpl:      0,
	Db:       1,
	S:        1,
	L:        0,
	G:        1,
}

// PackSegment encodes seg as an 8-byte descriptor. Only flat segments are
// representable: a non-zero base, or a limit that does not fit 20 bits at
// the chosen granularity, panics.
func PackSegment(seg kvm.Segment) uint64 {
	if seg.Base != 0 {
		panic(fmt.Sprintf("amd64: segment %#x: base %#x is not supported", seg.Selector, seg.Base))
	}

	limit := uint64(seg.Limit)
	if seg.G != 0 {
		limit >>= 12
	}
	if limit > 0xfffff {
		panic(fmt.Sprintf("amd64: segment %#x: limit %#x does not fit without granularity", seg.Selector, seg.Limit))
	}

	flag := func(v uint8, bit uint) uint64 {
		return uint64(v&1) << bit
	}

	return limit&0xffff |
		uint64(seg.Type&0xf)<<40 |
		flag(seg.S, 44) |
		uint64(seg.Dpl&0x3)<<45 |
		flag(seg.Present, 47) |
		(limit>>16)<<48 |
		flag(seg.Avl, 52) |
		flag(seg.L, 53) |
		flag(seg.Db, 54) |
		flag(seg.G, 55)
}

// UnpackSegment decodes a descriptor loaded through selector. The limit
// comes back in bytes.
func UnpackSegment(desc uint64, selector uint16) kvm.Segment {
	bit := func(n uint) uint8 {
		return uint8(desc>>n) & 1
	}

	seg := kvm.Segment{
		Base:     (desc>>16)&0xffffff | (desc>>56)<<24,
		Selector: selector,
		Type:     uint8(desc>>40) & 0xf,
		S:        bit(44),
		Dpl:      uint8(desc>>45) & 0x3,
		Present:  bit(47),
		Avl:      bit(52),
		L:        bit(53),
		Db:       bit(54),
		G:        bit(55),
	}
	limit := uint32(desc&0xffff) | uint32(desc>>48&0xf)<<16
	if seg.G != 0 {
		limit = limit<<12 | 0xfff
	}
	seg.Limit = limit
	return seg
}

// SetupGDT writes the code and data descriptors at their selector offsets
// in a GDT at GDTAddr. The null descriptor and slot 1 are left as they are.
func SetupGDT(mem []byte) error {
	if len(mem) < GDTAddr+gdtEntries*8 {
		return fmt.Errorf("amd64: %d bytes of memory cannot hold the GDT", len(mem))
	}
	gdt := mem[GDTAddr:]
	binary.LittleEndian.PutUint64(gdt[CodeSelector:], PackSegment(CodeSegment))
	binary.LittleEndian.PutUint64(gdt[DataSelector:], PackSegment(DataSegment))
	return nil
}
