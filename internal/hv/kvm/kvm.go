//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/timeslice"
	"golang.org/x/sys/unix"
)

// tssAddr is the three-page region KVM needs for the real-mode TSS on Intel
// hosts. It sits just below the 4 GiB boundary, out of the way of guest RAM.
const tssAddr = 0xfffbd000

var (
	tsKvmOpenDevice  = timeslice.RegisterKind("kvm_open_device", timeslice.FlagSetupTime)
	tsKvmCreateVM    = timeslice.RegisterKind("kvm_create_vm", timeslice.FlagSetupTime)
	tsKvmCreateVCPU  = timeslice.RegisterKind("kvm_create_vcpu", timeslice.FlagSetupTime)
	tsKvmSetCPUID    = timeslice.RegisterKind("kvm_set_cpuid", timeslice.FlagSetupTime)
	tsKvmMapRunState = timeslice.RegisterKind("kvm_map_run_state", timeslice.FlagSetupTime)
	tsKvmSetRegion   = timeslice.RegisterKind("kvm_set_memory_region", timeslice.FlagSetupTime)
	tsKvmHostTime    = timeslice.RegisterKind("kvm_host_time", 0)
	tsKvmGuestTime   = timeslice.RegisterKind("kvm_guest_time", timeslice.FlagGuestTime)
)

type Option func(*Session)

// WithSystem replaces the kernel boundary, mostly for tests.
func WithSystem(sys System) Option {
	return func(s *Session) { s.sys = sys }
}

func WithRecorder(rec *timeslice.Recorder) Option {
	return func(s *Session) { s.rec = rec }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session owns the KVM control handle, one VM with a single vCPU and the
// vCPU's shared run area. All of them are released by Close, in reverse
// order of acquisition. A Session is not safe for concurrent use; Run must
// be called from the thread that will keep executing the vCPU.
type Session struct {
	sys    System
	rec    *timeslice.Recorder
	logger *slog.Logger

	device *hv.Owned[int]
	vm     *hv.Owned[int]
	vcpu   *hv.Owned[int]
	run    *hv.Owned[[]byte]

	state  *RunState
	closed bool
}

// Open acquires everything a single-vCPU machine needs. On failure every
// handle acquired so far is released before returning.
func Open(opts ...Option) (*Session, error) {
	s := &Session{sys: HostSystem()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	var undo hv.Cleanup
	defer func() {
		if err := undo.Run(); err != nil {
			s.logger.Error("kvm: release after failed open", "error", err)
		}
	}()

	fd, err := s.sys.Open(DevicePath, unix.O_RDWR|unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", DevicePath, err)
	}
	s.device = s.ownFd(fd)
	undo.AddCloser(s.device)
	s.rec.Record(tsKvmOpenDevice)

	version, err := s.ioctl(s.device.Get(), RequestGetAPIVersion, 0)
	if err != nil {
		return nil, err
	}
	if version != apiVersion {
		return nil, fmt.Errorf("kvm: API version %d, want %d", version, apiVersion)
	}

	vmFd, err := s.ioctl(s.device.Get(), RequestCreateVM, 0)
	if err != nil {
		return nil, err
	}
	s.vm = s.ownFd(vmFd)
	undo.AddCloser(s.vm)

	if _, err := s.ioctl(s.vm.Get(), RequestSetTSSAddr, tssAddr); err != nil {
		return nil, err
	}
	s.rec.Record(tsKvmCreateVM)

	vcpuFd, err := s.ioctl(s.vm.Get(), RequestCreateVCPU, 0)
	if err != nil {
		return nil, err
	}
	s.vcpu = s.ownFd(vcpuFd)
	undo.AddCloser(s.vcpu)
	s.rec.Record(tsKvmCreateVCPU)

	if err := s.initCPUID(); err != nil {
		return nil, err
	}
	s.rec.Record(tsKvmSetCPUID)

	size, err := s.ioctl(s.device.Get(), RequestGetVcpuMmapSize, 0)
	if err != nil {
		return nil, err
	}
	if size < RunStateMinSize {
		return nil, fmt.Errorf("kvm: vCPU mmap size %d is smaller than %d", size, RunStateMinSize)
	}

	mem, err := s.sys.Mmap(s.vcpu.Get(), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kvm: map vCPU run area: %w", err)
	}
	s.run = hv.NewOwned(mem, s.sys.Munmap)
	undo.AddCloser(s.run)

	if s.state, err = newRunState(mem); err != nil {
		return nil, err
	}
	s.rec.Record(tsKvmMapRunState)

	undo.Disarm()
	return s, nil
}

func (s *Session) ownFd(fd int) *hv.Owned[int] {
	return hv.NewOwned(fd, s.sys.Close)
}

func (s *Session) ioctl(fd int, req Request, arg uintptr) (int, error) {
	v, err := s.sys.Ioctl(fd, req, arg)
	if err != nil {
		return 0, &IoctlError{Request: req, Err: err}
	}
	return int(v), nil
}

func (s *Session) ioctlPointer(fd int, req Request, arg unsafe.Pointer) error {
	if _, err := s.sys.IoctlPointer(fd, req, arg); err != nil {
		return &IoctlError{Request: req, Err: err}
	}
	return nil
}

// initCPUID hands the host's supported CPUID table to the vCPU unchanged.
func (s *Session) initCPUID() error {
	cpuid := &kvmCPUID2{Nr: maxCPUIDEntries}
	if err := s.ioctlPointer(s.device.Get(), RequestGetSupportedCPUID, unsafe.Pointer(cpuid)); err != nil {
		return err
	}
	return s.ioctlPointer(s.vcpu.Get(), RequestSetCPUID2, unsafe.Pointer(cpuid))
}

func (s *Session) check() error {
	if s == nil || s.closed {
		return hv.ErrClosed
	}
	return nil
}

// SetMemoryRegion maps size bytes of host memory at hostAddr into guest
// physical memory at guestPhysAddr using slot 0. Both the size and the
// guest address must be page aligned; a bad size is refused with EINVAL
// without reaching the kernel.
func (s *Session) SetMemoryRegion(guestPhysAddr, size uint64, hostAddr uintptr) error {
	if err := s.check(); err != nil {
		return err
	}
	if size == 0 || size%hv.PageSize != 0 || guestPhysAddr%hv.PageSize != 0 {
		return &IoctlError{
			Request: RequestSetUserMemoryRegion,
			Err:     fmt.Errorf("region %#x+%#x is not page aligned: %w", guestPhysAddr, size, unix.EINVAL),
		}
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	if err := s.ioctlPointer(s.vm.Get(), RequestSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return err
	}
	s.rec.Record(tsKvmSetRegion)
	return nil
}

func (s *Session) GetSpecialRegisters() (Sregs, error) {
	var sregs Sregs
	if err := s.check(); err != nil {
		return sregs, err
	}
	err := s.ioctlPointer(s.vcpu.Get(), RequestGetSregs, unsafe.Pointer(&sregs))
	return sregs, err
}

func (s *Session) SetSpecialRegisters(sregs *Sregs) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.ioctlPointer(s.vcpu.Get(), RequestSetSregs, unsafe.Pointer(sregs))
}

func (s *Session) GetRegisters() (Regs, error) {
	var regs Regs
	if err := s.check(); err != nil {
		return regs, err
	}
	err := s.ioctlPointer(s.vcpu.Get(), RequestGetRegs, unsafe.Pointer(&regs))
	return regs, err
}

func (s *Session) SetRegisters(regs *Regs) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.ioctlPointer(s.vcpu.Get(), RequestSetRegs, unsafe.Pointer(regs))
}

// Run enters the guest until its next exit and returns the shared run
// state describing it.
func (s *Session) Run() (*RunState, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.rec.Record(tsKvmHostTime)
	if _, err := s.ioctl(s.vcpu.Get(), RequestRun, 0); err != nil {
		return nil, err
	}
	s.rec.Record(tsKvmGuestTime)
	return s.state, nil
}

// Close releases the run area, the vCPU, the VM and the control handle in
// that order. Every release is attempted even if an earlier one fails.
// Calls after the first return nil.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	s.state = nil

	var errs []error
	for _, c := range []interface{ Close() error }{s.run, s.vcpu, s.vm, s.device} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kvm: close session: %w", err)
	}
	return nil
}
