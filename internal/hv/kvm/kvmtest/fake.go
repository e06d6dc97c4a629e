//go:build linux

// Package kvmtest provides an in-memory stand-in for the KVM kernel
// interface. It tracks every descriptor and mapping it hands out, can fail
// any acquiring call on demand, and executes a handful of x86 instructions
// from registered guest memory so whole boots can be tested without
// /dev/kvm.
package kvmtest

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"golang.org/x/sys/unix"
)

const (
	// DefaultMmapSize is what KVM_GET_VCPU_MMAP_SIZE reports unless MmapSize
	// is set.
	DefaultMmapSize = 3 * hv.PageSize
	// IODataOffset is where port data is placed in the run area, as the
	// kernel does.
	IODataOffset = hv.PageSize

	stepLimit = 1 << 16

	efer_LMA = 1 << 10
	cr0_PG   = 1 << 31
)

type fdKind int

const (
	fdDevice fdKind = iota + 1
	fdVM
	fdVCPU
)

type Region struct {
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64
	HostAddr      uintptr
}

// Exit is a scripted vCPU exit. Queued exits are returned by KVM_RUN in
// order before the fake interprets any guest code.
type Exit struct {
	Reason    kvm.ExitReason
	Port      uint16
	Direction hv.IODirection
	Data      []byte
	// DataOffset overrides IODataOffset.
	DataOffset     uint64
	HardwareReason uint64
	Suberror       kvm.InternalErrorSubReason
}

// Fake implements kvm.System.
type Fake struct {
	// FailAt makes the n-th acquiring call (Open, Ioctl, IoctlPointer, Mmap)
	// fail with EIO. Zero disables injection.
	FailAt int
	// MmapSize overrides DefaultMmapSize.
	MmapSize int
	// APIVersion overrides the reported KVM API version.
	APIVersion int

	mu             sync.Mutex
	calls          int
	nextFd         int
	fds            map[int]fdKind
	maps           map[*byte][]byte
	doubleReleases int
	requests       []kvm.Request
	advice         []int

	vcpuCreated bool
	runArea     []byte
	region      *Region
	guest       []byte
	regs        kvm.Regs
	sregs       kvm.Sregs
	runs        int
	script      []Exit
	pendingIn   bool
}

var _ kvm.System = (*Fake)(nil)

// New returns a Fake whose vCPU starts in the x86 reset state.
func New() *Fake {
	f := &Fake{
		nextFd: 100,
		fds:    make(map[int]fdKind),
		maps:   make(map[*byte][]byte),
	}
	f.regs = kvm.Regs{Rip: 0xfff0, Rflags: 0x2, Rdx: 0x600}
	data := kvm.Segment{Limit: 0xffff, Type: 0x3, Present: 1, S: 1}
	f.sregs = kvm.Sregs{
		Cs:  kvm.Segment{Base: 0xffff0000, Selector: 0xf000, Limit: 0xffff, Type: 0xb, Present: 1, S: 1},
		Ds:  data,
		Es:  data,
		Fs:  data,
		Gs:  data,
		Ss:  data,
		Tr:  kvm.Segment{Limit: 0xffff, Type: 0xb, Present: 1},
		Ldt: kvm.Segment{Limit: 0xffff, Type: 0x2, Present: 1},
		Gdt: kvm.DTable{Limit: 0xffff},
		Idt: kvm.DTable{Limit: 0xffff},
		Cr0: 0x60000010,
	}
	return f
}

// QueueExits scripts the next KVM_RUN results.
func (f *Fake) QueueExits(exits ...Exit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, exits...)
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) OpenFDs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fds)
}

func (f *Fake) Mappings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.maps)
}

// Outstanding counts descriptors and mappings not yet released.
func (f *Fake) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fds) + len(f.maps)
}

// DoubleReleases counts closes and unmaps of things that were not live.
func (f *Fake) DoubleReleases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doubleReleases
}

func (f *Fake) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// Requests lists the ioctls issued, including failed ones.
func (f *Fake) Requests() []kvm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kvm.Request(nil), f.requests...)
}

func (f *Fake) Advice() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.advice...)
}

func (f *Fake) Region() (Region, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.region == nil {
		return Region{}, false
	}
	return *f.region, true
}

// GuestMemory returns the host memory backing the registered region.
func (f *Fake) GuestMemory() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guest
}

func (f *Fake) Regs() kvm.Regs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs
}

func (f *Fake) Sregs() kvm.Sregs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sregs
}

func (f *Fake) inject() error {
	f.calls++
	if f.FailAt != 0 && f.calls == f.FailAt {
		return unix.EIO
	}
	return nil
}

func (f *Fake) newFd(kind fdKind) int {
	fd := f.nextFd
	f.nextFd++
	f.fds[fd] = kind
	return fd
}

func (f *Fake) Open(path string, mode int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.inject(); err != nil {
		return -1, err
	}
	if path != kvm.DevicePath {
		return -1, unix.ENOENT
	}
	return f.newFd(fdDevice), nil
}

func (f *Fake) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fds[fd]; !ok {
		f.doubleReleases++
		return unix.EBADF
	}
	delete(f.fds, fd)
	return nil
}

func (f *Fake) Ioctl(fd int, req kvm.Request, arg uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.inject(); err != nil {
		return 0, err
	}
	kind, ok := f.fds[fd]
	if !ok {
		return 0, unix.EBADF
	}

	switch {
	case req == kvm.RequestGetAPIVersion && kind == fdDevice:
		if f.APIVersion != 0 {
			return uintptr(f.APIVersion), nil
		}
		return 12, nil
	case req == kvm.RequestCreateVM && kind == fdDevice:
		return uintptr(f.newFd(fdVM)), nil
	case req == kvm.RequestGetVcpuMmapSize && kind == fdDevice:
		return uintptr(f.mmapSize()), nil
	case req == kvm.RequestSetTSSAddr && kind == fdVM:
		return 0, nil
	case req == kvm.RequestCreateVCPU && kind == fdVM:
		if f.vcpuCreated {
			return 0, unix.EEXIST
		}
		f.vcpuCreated = true
		return uintptr(f.newFd(fdVCPU)), nil
	case req == kvm.RequestRun && kind == fdVCPU:
		return 0, f.run()
	}
	return 0, unix.ENOTTY
}

type memoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (f *Fake) IoctlPointer(fd int, req kvm.Request, arg unsafe.Pointer) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.inject(); err != nil {
		return 0, err
	}
	kind, ok := f.fds[fd]
	if !ok {
		return 0, unix.EBADF
	}

	switch {
	case req == kvm.RequestGetSupportedCPUID && kind == fdDevice:
		nr := (*uint32)(arg)
		if *nr < 1 {
			return 0, unix.E2BIG
		}
		*nr = 1
		return 0, nil
	case req == kvm.RequestSetCPUID2 && kind == fdVCPU:
		return 0, nil
	case req == kvm.RequestSetUserMemoryRegion && kind == fdVM:
		return 0, f.setRegion((*memoryRegion)(arg))
	case req == kvm.RequestGetRegs && kind == fdVCPU:
		*(*kvm.Regs)(arg) = f.regs
		return 0, nil
	case req == kvm.RequestSetRegs && kind == fdVCPU:
		f.regs = *(*kvm.Regs)(arg)
		return 0, nil
	case req == kvm.RequestGetSregs && kind == fdVCPU:
		*(*kvm.Sregs)(arg) = f.sregs
		return 0, nil
	case req == kvm.RequestSetSregs && kind == fdVCPU:
		f.sregs = *(*kvm.Sregs)(arg)
		return 0, nil
	}
	return 0, unix.ENOTTY
}

func (f *Fake) setRegion(r *memoryRegion) error {
	if r.Slot != 0 {
		return unix.EINVAL
	}
	if r.MemorySize == 0 || r.MemorySize%hv.PageSize != 0 || r.GuestPhysAddr%hv.PageSize != 0 {
		return unix.EINVAL
	}
	for p, b := range f.maps {
		if uint64(uintptr(unsafe.Pointer(p))) == r.UserspaceAddr && uint64(len(b)) >= r.MemorySize {
			f.guest = b[:r.MemorySize]
			f.region = &Region{
				Slot:          r.Slot,
				GuestPhysAddr: r.GuestPhysAddr,
				Size:          r.MemorySize,
				HostAddr:      uintptr(r.UserspaceAddr),
			}
			return nil
		}
	}
	return unix.EFAULT
}

func (f *Fake) mmapSize() int {
	if f.MmapSize != 0 {
		return f.MmapSize
	}
	return DefaultMmapSize
}

func (f *Fake) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.inject(); err != nil {
		return nil, err
	}
	if length <= 0 || offset != 0 {
		return nil, unix.EINVAL
	}

	var b []byte
	switch {
	case flags&unix.MAP_ANONYMOUS != 0:
		b = make([]byte, length)
	case f.fds[fd] == fdVCPU:
		if length > f.mmapSize() {
			return nil, unix.EINVAL
		}
		b = make([]byte, length)
		f.runArea = b
	default:
		return nil, unix.ENODEV
	}
	f.maps[&b[0]] = b
	return b, nil
}

func (f *Fake) Munmap(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(b) == 0 {
		return unix.EINVAL
	}
	if _, ok := f.maps[&b[0]]; !ok {
		f.doubleReleases++
		return unix.EINVAL
	}
	delete(f.maps, &b[0])
	if len(f.runArea) > 0 && &f.runArea[0] == &b[0] {
		f.runArea = nil
	}
	if len(f.guest) > 0 && &f.guest[0] == &b[0] {
		f.guest = nil
	}
	return nil
}

func (f *Fake) Madvise(b []byte, advice int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(b) == 0 {
		return unix.EINVAL
	}
	if _, ok := f.maps[&b[0]]; !ok {
		return unix.ENOMEM
	}
	f.advice = append(f.advice, advice)
	return nil
}

func (f *Fake) run() error {
	if len(f.runArea) < kvm.RunStateMinSize {
		return unix.EFAULT
	}
	f.runs++
	clear(f.runArea[:kvm.RunStateMinSize])

	if len(f.script) > 0 {
		e := f.script[0]
		f.script = f.script[1:]
		f.writeExit(e)
		return nil
	}

	if f.pendingIn {
		f.pendingIn = false
		f.regs.Rax = f.regs.Rax&^0xff | uint64(f.runArea[IODataOffset])
	}
	f.step()
	return nil
}

func (f *Fake) writeExit(e Exit) {
	binary.LittleEndian.PutUint32(f.runArea[kvm.RunExitReasonOffset:], uint32(e.Reason))
	u := f.runArea[kvm.RunExitDataOffset:]

	switch e.Reason {
	case kvm.ExitIO:
		off := e.DataOffset
		if off == 0 {
			off = IODataOffset
		}
		data := e.Data
		if len(data) == 0 {
			data = []byte{0}
		}
		u[0] = byte(e.Direction)
		u[1] = 1
		binary.LittleEndian.PutUint16(u[2:], e.Port)
		binary.LittleEndian.PutUint32(u[4:], uint32(len(data)))
		binary.LittleEndian.PutUint64(u[8:], off)
		if off < uint64(len(f.runArea)) {
			copy(f.runArea[off:], data)
		}
	case kvm.ExitInternalError:
		binary.LittleEndian.PutUint32(u, uint32(e.Suberror))
	case kvm.ExitUnknown, kvm.ExitFailEntry:
		binary.LittleEndian.PutUint64(u, e.HardwareReason)
	}
}

func (f *Fake) longMode() bool {
	return f.sregs.Efer&efer_LMA != 0 && f.sregs.Cr0&cr0_PG != 0 && f.sregs.Cs.L != 0
}

// translate resolves a linear address through the identity 2 MiB page
// tables a long-mode guest is expected to run on.
func (f *Fake) translate(va uint64) (uint64, bool) {
	const addrMask = 0x000ffffffffff000
	entry := func(table uint64, index uint64) (uint64, bool) {
		e, ok := f.read64(table&addrMask + 8*index)
		return e, ok && e&1 != 0
	}

	pml4e, ok := entry(f.sregs.Cr3, (va>>39)&0x1ff)
	if !ok {
		return 0, false
	}
	pdpte, ok := entry(pml4e, (va>>30)&0x1ff)
	if !ok {
		return 0, false
	}
	pde, ok := entry(pdpte, (va>>21)&0x1ff)
	if !ok || pde&(1<<7) == 0 {
		return 0, false
	}
	return pde&0x000fffffffe00000 | va&0x1fffff, true
}

func (f *Fake) read64(pa uint64) (uint64, bool) {
	if pa+8 < pa || pa+8 > uint64(len(f.guest)) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(f.guest[pa:]), true
}

func (f *Fake) fetch(ip uint64) (byte, bool) {
	long := f.longMode()
	var pa uint64
	if long {
		var ok bool
		if pa, ok = f.translate(ip); !ok {
			return 0, false
		}
	} else {
		pa = f.sregs.Cs.Base + ip&0xffff
	}
	if pa >= uint64(len(f.guest)) {
		return 0, false
	}
	return f.guest[pa], true
}

// step executes guest code until something needs the host: hlt, port I/O
// or an instruction the fake does not know.
func (f *Fake) step() {
	long := f.longMode()
	if long && f.sregs.Cr3 == 0 {
		f.writeExit(Exit{Reason: kvm.ExitShutdown})
		return
	}

	for range stepLimit {
		op, ok := f.fetch(f.regs.Rip)
		if !ok {
			f.fault(long)
			return
		}

		wide := long
		if op == 0x66 {
			wide = !wide
			f.regs.Rip++
			if op, ok = f.fetch(f.regs.Rip); !ok {
				f.fault(long)
				return
			}
		}

		switch op {
		case 0xf4: // hlt
			f.regs.Rip++
			f.writeExit(Exit{Reason: kvm.ExitHlt})
			return
		case 0x90: // nop
			f.regs.Rip++
		case 0xb0: // mov al, imm8
			imm, ok := f.fetch(f.regs.Rip + 1)
			if !ok {
				f.fault(long)
				return
			}
			f.regs.Rax = f.regs.Rax&^0xff | uint64(imm)
			f.regs.Rip += 2
		case 0xba: // mov dx/edx, imm
			n := uint64(2)
			if wide {
				n = 4
			}
			var imm uint64
			for i := range n {
				b, ok := f.fetch(f.regs.Rip + 1 + i)
				if !ok {
					f.fault(long)
					return
				}
				imm |= uint64(b) << (8 * i)
			}
			if wide {
				f.regs.Rdx = imm
			} else {
				f.regs.Rdx = f.regs.Rdx&^0xffff | imm
			}
			f.regs.Rip += 1 + n
		case 0xee: // out dx, al
			f.regs.Rip++
			f.writeExit(Exit{
				Reason:    kvm.ExitIO,
				Port:      uint16(f.regs.Rdx),
				Direction: hv.IODirectionOut,
				Data:      []byte{byte(f.regs.Rax)},
			})
			return
		case 0xec: // in al, dx
			f.regs.Rip++
			f.pendingIn = true
			f.writeExit(Exit{
				Reason:    kvm.ExitIO,
				Port:      uint16(f.regs.Rdx),
				Direction: hv.IODirectionIn,
			})
			return
		default:
			f.writeExit(Exit{Reason: kvm.ExitInternalError, Suberror: kvm.InternalErrorEmulation})
			return
		}
	}
	f.writeExit(Exit{Reason: kvm.ExitIntr})
}

// A long-mode fetch fault has no IDT to go to and triple faults.
func (f *Fake) fault(long bool) {
	if long {
		f.writeExit(Exit{Reason: kvm.ExitShutdown})
		return
	}
	f.writeExit(Exit{Reason: kvm.ExitInternalError, Suberror: kvm.InternalErrorEmulation})
}
