//go:build linux

package kvmtest

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/hv/kvm"
)

type machine struct {
	fake *Fake
	s    *kvm.Session
	mem  []byte
}

func newMachine(t *testing.T, size int) *machine {
	t.Helper()
	fake := New()
	s, err := kvm.Open(kvm.WithSystem(fake))
	require.NoError(t, err)

	mem, err := fake.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	require.NoError(t, s.SetMemoryRegion(0, uint64(size), uintptr(unsafe.Pointer(&mem[0]))))

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
		assert.NoError(t, fake.Munmap(mem))
		assert.Zero(t, fake.Outstanding())
		assert.Zero(t, fake.DoubleReleases())
	})
	return &machine{fake: fake, s: s, mem: mem}
}

func (m *machine) realMode(t *testing.T, entry uint64) {
	t.Helper()
	sregs, err := m.s.GetSpecialRegisters()
	require.NoError(t, err)
	sregs.Cs.Base = 0
	sregs.Cs.Selector = 0
	require.NoError(t, m.s.SetSpecialRegisters(&sregs))
	require.NoError(t, m.s.SetRegisters(&kvm.Regs{Rip: entry, Rflags: 2}))
}

func TestRealModeOutThenHalt(t *testing.T) {
	m := newMachine(t, hv.PageSize)
	copy(m.mem, []byte{0xba, 0xf8, 0x03, 0xb0, 0x41, 0xee, 0xf4})
	m.realMode(t, 0)

	run, err := m.s.Run()
	require.NoError(t, err)
	require.Equal(t, kvm.ExitIO, run.ExitReason())
	io := run.IO()
	assert.Equal(t, uint16(0x3f8), io.Port)
	data, err := run.Data(io)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A'}, data)

	run, err = m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitHlt, run.ExitReason())
	assert.Equal(t, uint64(7), m.fake.Regs().Rip)
}

func TestOperandSizePrefix(t *testing.T) {
	m := newMachine(t, hv.PageSize)
	// mov edx, 0x12345678 ; hlt
	copy(m.mem, []byte{0x66, 0xba, 0x78, 0x56, 0x34, 0x12, 0xf4})
	m.realMode(t, 0)

	run, err := m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitHlt, run.ExitReason())
	assert.Equal(t, uint64(0x12345678), m.fake.Regs().Rdx)
}

func TestInReadsHostByte(t *testing.T) {
	m := newMachine(t, hv.PageSize)
	// mov dx, 0x60 ; in al, dx ; hlt
	copy(m.mem, []byte{0xba, 0x60, 0x00, 0xec, 0xf4})
	m.realMode(t, 0)

	run, err := m.s.Run()
	require.NoError(t, err)
	require.Equal(t, kvm.ExitIO, run.ExitReason())
	io := run.IO()
	assert.Equal(t, hv.IODirectionIn, io.Direction)
	data, err := run.Data(io)
	require.NoError(t, err)
	data[0] = 0x5a

	run, err = m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitHlt, run.ExitReason())
	assert.Equal(t, uint64(0x5a), m.fake.Regs().Rax&0xff)
}

func TestUnknownOpcodeIsEmulationFailure(t *testing.T) {
	m := newMachine(t, hv.PageSize)
	m.mem[0] = 0x0f
	m.realMode(t, 0)

	run, err := m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitInternalError, run.ExitReason())
	assert.Equal(t, kvm.InternalErrorEmulation, run.InternalError().Suberror)
}

func TestLongModeWithoutPageTablesShutsDown(t *testing.T) {
	m := newMachine(t, 4*hv.PageSize)
	sregs, err := m.s.GetSpecialRegisters()
	require.NoError(t, err)
	sregs.Cr0 = 1 | cr0_PG
	sregs.Cr3 = 0x1000
	sregs.Efer = efer_LMA | 1<<8
	sregs.Cs.L = 1
	require.NoError(t, m.s.SetSpecialRegisters(&sregs))
	require.NoError(t, m.s.SetRegisters(&kvm.Regs{Rip: 0x2000, Rflags: 2}))

	run, err := m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitShutdown, run.ExitReason())
}

func TestScriptedExitsComeFirst(t *testing.T) {
	m := newMachine(t, hv.PageSize)
	m.mem[0] = 0xf4
	m.realMode(t, 0)
	m.fake.QueueExits(Exit{Reason: kvm.ExitFailEntry, HardwareReason: 0x21})

	run, err := m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitFailEntry, run.ExitReason())
	assert.Equal(t, uint64(0x21), run.HardwareReason())

	run, err = m.s.Run()
	require.NoError(t, err)
	assert.Equal(t, kvm.ExitHlt, run.ExitReason())
}

func TestDoubleRelease(t *testing.T) {
	fake := New()
	fd, err := fake.Open(kvm.DevicePath, 0)
	require.NoError(t, err)
	require.NoError(t, fake.Close(fd))
	assert.ErrorIs(t, fake.Close(fd), unix.EBADF)

	mem, err := fake.Mmap(-1, 0, hv.PageSize, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	require.NoError(t, fake.Munmap(mem))
	assert.Error(t, fake.Munmap(mem))

	assert.Equal(t, 2, fake.DoubleReleases())
}

func TestFailAt(t *testing.T) {
	fake := New()
	fake.FailAt = 2

	fd, err := fake.Open(kvm.DevicePath, 0)
	require.NoError(t, err)
	_, err = fake.Ioctl(fd, kvm.RequestGetAPIVersion, 0)
	assert.ErrorIs(t, err, unix.EIO)
	_, err = fake.Ioctl(fd, kvm.RequestGetAPIVersion, 0)
	assert.NoError(t, err)
	require.NoError(t, fake.Close(fd))
}
