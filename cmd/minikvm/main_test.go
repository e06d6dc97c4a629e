//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"github.com/tinyrange/minikvm/internal/hv/kvm/kvmtest"
	"github.com/tinyrange/minikvm/internal/vmm"
)

type harness struct {
	stdout bytes.Buffer
	stderr bytes.Buffer

	mu    sync.Mutex
	fakes []*kvmtest.Fake
}

func (h *harness) run(args ...string) error {
	a := &app{
		stdout: &h.stdout,
		stderr: &h.stderr,
		system: func() kvm.System {
			fake := kvmtest.New()
			h.mu.Lock()
			h.fakes = append(h.fakes, fake)
			h.mu.Unlock()
			return fake
		},
	}
	return a.run(context.Background(), args)
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	for i, fake := range h.fakes {
		assert.Zero(t, fake.Outstanding(), "boot %d leaked", i)
		assert.Zero(t, fake.DoubleReleases(), "boot %d", i)
	}
}

func writeImage(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.bin")
	require.NoError(t, os.WriteFile(path, image, 0o644))
	return path
}

func TestDemoRealMode(t *testing.T) {
	var h harness
	require.NoError(t, h.run())
	assert.Equal(t, "Port: 0x3f8, Char: A\n", h.stdout.String())
	h.assertReleased(t)
}

func TestDemoLongMode(t *testing.T) {
	var h harness
	require.NoError(t, h.run("-mode", "long"))
	assert.Equal(t, "Port: 0x3f8, Char: A\n", h.stdout.String())
	h.assertReleased(t)
}

func TestHaltOnlyImage(t *testing.T) {
	var h harness
	require.NoError(t, h.run(writeImage(t, []byte{0xf4})))
	assert.Empty(t, h.stdout.String())
}

func TestUnalignedMemory(t *testing.T) {
	var h harness
	err := h.run("-mem", "0x1800")
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.Empty(t, h.stdout.String())
	h.assertReleased(t)
}

func TestImageTooLarge(t *testing.T) {
	var h harness
	err := h.run(writeImage(t, make([]byte, 0x1000)))
	assert.ErrorIs(t, err, vmm.ErrImageTooLarge)
	require.Len(t, h.fakes, 1)
	assert.Zero(t, h.fakes[0].Calls(), "no machine is created for an oversized image")
}

func TestUnhandledExit(t *testing.T) {
	var h harness
	err := h.run(writeImage(t, []byte{0x0f, 0x0b}))

	var unhandled *vmm.UnhandledExitError
	assert.True(t, errors.As(err, &unhandled))
	h.assertReleased(t)
}

func TestBadMode(t *testing.T) {
	var h harness
	assert.ErrorIs(t, h.run("-mode", "protected"), vmm.ErrInvalidConfig)
}

func TestTooManyImages(t *testing.T) {
	var h harness
	assert.Error(t, h.run("a.bin", "b.bin"))
}

func TestScreen(t *testing.T) {
	var h harness
	require.NoError(t, h.run("-screen"))
	assert.Equal(t, "A\n", h.stdout.String())
}

func TestDumpConfig(t *testing.T) {
	var h harness
	require.NoError(t, h.run("-mode", "long", "-max-exits", "10", "-dump-config"))

	out := h.stdout.String()
	assert.Contains(t, out, "mode: long")
	assert.Contains(t, out, "maxExits: 10")
	assert.Empty(t, h.fakes)
}

func TestConfigFileWithOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "halt.bin"), []byte{0xf4}, 0o644))
	path := filepath.Join(dir, "minikvm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("image: halt.bin\nmachine:\n  mode: long\n"), 0o644))

	var h harness
	require.NoError(t, h.run("-config", path))
	assert.Empty(t, h.stdout.String())
	require.Len(t, h.fakes, 1)
	assert.Equal(t, uint64(0x10001), h.fakes[0].Regs().Rip)

	var h2 harness
	require.NoError(t, h2.run("-config", path, "-mode", "real"))
	require.Len(t, h2.fakes, 1)
	assert.Equal(t, uint64(1), h2.fakes[0].Regs().Rip)
}

func TestBench(t *testing.T) {
	var h harness
	require.NoError(t, h.run("-bench", "4", "-parallel", "2"))

	out := h.stdout.String()
	assert.Contains(t, out, "boots=4")
	assert.Contains(t, out, "parallel=2")
	assert.Contains(t, out, "io_exits=4")
	assert.NotContains(t, out, "Port:")
}

func TestTimeslices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trace")

	var h harness
	require.NoError(t, h.run("-timeslices", path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
	assert.Contains(t, h.stderr.String(), "kvm_guest_time")
}
