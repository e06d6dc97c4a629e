package amd64

import (
	"encoding/binary"
	"fmt"
)

const (
	p  = 1 << 0 // present
	rw = 1 << 1 // writable
	ps = 1 << 7 // page-size (2MiB when set in PDE)

	hugePageShift   = 21
	entriesPerTable = 512

	// IdentityMapSize is how much of the address space SetupPaging maps.
	IdentityMapSize = entriesPerTable << hugePageShift
)

// SetupPaging builds a four-level hierarchy identity mapping the first
// GiB with 2 MiB pages: PML4[0] -> PDPT, PDPT[0] -> PD, PD[n] -> n*2MiB.
// Only those entries are written; the rest of each table keeps its
// contents, which is zero in freshly mapped memory.
func SetupPaging(mem []byte) error {
	if len(mem) < ReservedEnd {
		return fmt.Errorf("amd64: %d bytes of memory cannot hold the page tables", len(mem))
	}

	binary.LittleEndian.PutUint64(mem[PML4Addr:], PDPTAddr|p|rw)
	binary.LittleEndian.PutUint64(mem[PDPTAddr:], PDAddr|p|rw)

	pd := mem[PDAddr:]
	for i := range entriesPerTable {
		binary.LittleEndian.PutUint64(pd[8*i:], uint64(i)<<hugePageShift|p|rw|ps)
	}
	return nil
}
