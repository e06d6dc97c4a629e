//go:build linux

package kvm_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"github.com/tinyrange/minikvm/internal/hv/kvm/kvmtest"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	s, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close KVM session: %v", err)
	}
}

// openCalls is the number of acquiring calls a successful Open makes.
const openCalls = 9

func TestOpenSequence(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)

	assert.Equal(t, []kvm.Request{
		kvm.RequestGetAPIVersion,
		kvm.RequestCreateVM,
		kvm.RequestSetTSSAddr,
		kvm.RequestCreateVCPU,
		kvm.RequestGetSupportedCPUID,
		kvm.RequestSetCPUID2,
		kvm.RequestGetVcpuMmapSize,
	}, fake.Requests())
	assert.Equal(t, openCalls, fake.Calls())
	assert.Equal(t, 3, fake.OpenFDs())
	assert.Equal(t, 1, fake.Mappings())

	require.NoError(t, s.Close())
	assert.Zero(t, fake.Outstanding())
	assert.Zero(t, fake.DoubleReleases())
}

func TestOpenReleasesOnFailure(t *testing.T) {
	for failAt := 1; failAt <= openCalls; failAt++ {
		fake := kvmtest.New()
		fake.FailAt = failAt

		s, err := kvm.Open(kvm.WithSystem(fake))
		require.Error(t, err, "failAt=%d", failAt)
		assert.Nil(t, s)
		assert.ErrorIs(t, err, unix.EIO, "failAt=%d", failAt)
		assert.Zero(t, fake.Outstanding(), "failAt=%d leaked", failAt)
		assert.Zero(t, fake.DoubleReleases(), "failAt=%d", failAt)
	}
}

func TestOpenAPIVersionMismatch(t *testing.T) {
	fake := kvmtest.New()
	fake.APIVersion = 11

	_, err := kvm.Open(kvm.WithSystem(fake))
	assert.ErrorContains(t, err, "API version 11")
	assert.Zero(t, fake.Outstanding())
}

func TestOpenRunAreaTooSmall(t *testing.T) {
	fake := kvmtest.New()
	fake.MmapSize = 64

	_, err := kvm.Open(kvm.WithSystem(fake))
	assert.Error(t, err)
	assert.Zero(t, fake.Outstanding())
}

func TestCloseTwice(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Zero(t, fake.DoubleReleases())
}

func TestUseAfterClose(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Run()
	assert.ErrorIs(t, err, hv.ErrClosed)
	_, err = s.GetSpecialRegisters()
	assert.ErrorIs(t, err, hv.ErrClosed)
	assert.ErrorIs(t, s.SetRegisters(&kvm.Regs{}), hv.ErrClosed)
	assert.ErrorIs(t, s.SetMemoryRegion(0, hv.PageSize, 0), hv.ErrClosed)
}

func anonymous(t *testing.T, fake *kvmtest.Fake, size int) []byte {
	t.Helper()
	mem, err := fake.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fake.Munmap(mem) })
	return mem
}

func TestSetMemoryRegion(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)
	defer s.Close()

	mem := anonymous(t, fake, 0x2000)
	host := uintptr(unsafe.Pointer(&mem[0]))
	require.NoError(t, s.SetMemoryRegion(0, 0x2000, host))

	region, ok := fake.Region()
	require.True(t, ok)
	assert.Equal(t, kvmtest.Region{Slot: 0, GuestPhysAddr: 0, Size: 0x2000, HostAddr: host}, region)
}

func TestSetMemoryRegionRejectsUnalignedSize(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)
	defer s.Close()

	mem := anonymous(t, fake, 0x2000)
	before := len(fake.Requests())

	for _, size := range []uint64{0, 0x1800, 0x1001} {
		err := s.SetMemoryRegion(0, size, uintptr(unsafe.Pointer(&mem[0])))
		require.Error(t, err, "size %#x", size)
		assert.ErrorIs(t, err, unix.EINVAL)

		var ioctlErr *kvm.IoctlError
		require.True(t, errors.As(err, &ioctlErr))
		assert.Equal(t, kvm.RequestSetUserMemoryRegion, ioctlErr.Request)
	}
	assert.Len(t, fake.Requests(), before, "refused regions must not reach the kernel")

	_, ok := fake.Region()
	assert.False(t, ok)
}

func TestRegistersRoundTrip(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)
	defer s.Close()

	sregs, err := s.GetSpecialRegisters()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xf000), sregs.Cs.Selector)

	sregs.Cs.Selector = 0
	sregs.Cs.Base = 0
	require.NoError(t, s.SetSpecialRegisters(&sregs))
	assert.Equal(t, sregs, fake.Sregs())

	regs := kvm.Regs{Rip: 0x1234, Rflags: 2, Rsi: 0x7000}
	require.NoError(t, s.SetRegisters(&regs))
	got, err := s.GetRegisters()
	require.NoError(t, err)
	assert.Equal(t, regs, got)
}

func TestRunReportsIOExit(t *testing.T) {
	fake := kvmtest.New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)
	defer s.Close()

	fake.QueueExits(
		kvmtest.Exit{Reason: kvm.ExitIO, Port: 0x3f8, Direction: hv.IODirectionOut, Data: []byte("A")},
		kvmtest.Exit{Reason: kvm.ExitHlt},
	)

	run, err := s.Run()
	require.NoError(t, err)
	require.Equal(t, kvm.ExitIO, run.ExitReason())

	io := run.IO()
	assert.Equal(t, uint16(0x3f8), io.Port)
	assert.Equal(t, hv.IODirectionOut, io.Direction)
	assert.Equal(t, uint64(kvmtest.IODataOffset), io.DataOffset)

	data, err := run.Data(io)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), data)

	run, err = s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitHlt, run.ExitReason())
	assert.Equal(t, 2, fake.Runs())
}

func TestRunIoctlError(t *testing.T) {
	fake := kvmtest.New()
	fake.FailAt = openCalls + 1
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Run()
	var ioctlErr *kvm.IoctlError
	require.True(t, errors.As(err, &ioctlErr))
	assert.Equal(t, kvm.RequestRun, ioctlErr.Request)
	assert.ErrorIs(t, err, unix.EIO)
}

func TestHostOpen(t *testing.T) {
	checkKVMAvailable(t)

	s, err := kvm.Open()
	require.NoError(t, err)

	sregs, err := s.GetSpecialRegisters()
	require.NoError(t, err)
	assert.NotZero(t, sregs.Cr0)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
