//go:build linux

// Package guestmem owns the anonymous host mapping that backs guest
// physical memory.
package guestmem

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"unsafe"

	"github.com/tinyrange/minikvm/internal/hv"
	"golang.org/x/sys/unix"
)

// Mapper is the subset of the kernel interface needed to create and
// release mappings. kvm.System satisfies it.
type Mapper interface {
	Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error)
	Munmap(b []byte) error
	Madvise(b []byte, advice int) error
}

type hostMapper struct{}

func (hostMapper) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}

func (hostMapper) Munmap(b []byte) error { return unix.Munmap(b) }

func (hostMapper) Madvise(b []byte, advice int) error { return unix.Madvise(b, advice) }

// Host maps memory from the running kernel.
func Host() Mapper { return hostMapper{} }

type options struct {
	mergeable bool
	logger    *slog.Logger
}

type Option func(*options)

// WithMergeable marks the mapping for kernel same-page merging. Failure to
// do so is logged and otherwise ignored.
func WithMergeable() Option {
	return func(o *options) { o.mergeable = true }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Mapping is a private, zero-filled, read-write host mapping. It is
// released by Close exactly once.
type Mapping struct {
	mem  *hv.Owned[[]byte]
	size uint64
}

var (
	_ io.ReaderAt = (*Mapping)(nil)
	_ io.WriterAt = (*Mapping)(nil)
)

// Map creates a mapping of size bytes. The size must be a positive
// multiple of the page size; anything else fails with EINVAL.
func Map(m Mapper, size uint64, opts ...Option) (*Mapping, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if size == 0 || size%hv.PageSize != 0 {
		return nil, fmt.Errorf("guestmem: size %#x is not a positive multiple of %#x: %w", size, hv.PageSize, unix.EINVAL)
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("guestmem: size %#x exceeds host address space: %w", size, unix.ENOMEM)
	}

	mem, err := m.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %#x bytes: %w", size, err)
	}

	if o.mergeable {
		if err := m.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
			o.logger.Warn("guestmem: madvise MADV_MERGEABLE failed", "error", err)
		}
	}

	return &Mapping{mem: hv.NewOwned(mem, m.Munmap), size: size}, nil
}

func (g *Mapping) Size() uint64 { return g.size }

// Bytes borrows the mapped memory. It is nil after Close.
func (g *Mapping) Bytes() []byte { return g.mem.Get() }

// HostAddr is the address KVM needs to register the mapping as guest
// memory.
func (g *Mapping) HostAddr() uintptr {
	mem := g.mem.Get()
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// CopyIn places data at the start of the mapping.
func (g *Mapping) CopyIn(data []byte) {
	g.CopyInAt(0, data)
}

// CopyInAt places data at off. The data must end strictly before the end
// of the mapping; violating that, or copying into a closed mapping, is a
// programming error and panics.
func (g *Mapping) CopyInAt(off uint64, data []byte) {
	mem := g.mem.Get()
	if off >= uint64(len(mem)) || uint64(len(data)) >= uint64(len(mem))-off {
		panic(fmt.Sprintf("guestmem: %d bytes at %#x do not fit in %#x-byte mapping", len(data), off, len(mem)))
	}
	copy(mem[off:], data)
}

func (g *Mapping) ReadAt(p []byte, off int64) (int, error) {
	mem := g.mem.Get()
	if g.mem.Released() {
		return 0, hv.ErrClosed
	}
	if off < 0 || off >= int64(len(mem)) {
		return 0, io.EOF
	}
	n := copy(p, mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (g *Mapping) WriteAt(p []byte, off int64) (int, error) {
	mem := g.mem.Get()
	if g.mem.Released() {
		return 0, hv.ErrClosed
	}
	if off < 0 || off > int64(len(mem)) {
		return 0, fmt.Errorf("guestmem: write offset %#x outside mapping", off)
	}
	n := copy(mem[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (g *Mapping) Close() error {
	if err := g.mem.Close(); err != nil {
		return fmt.Errorf("guestmem: unmap: %w", err)
	}
	return nil
}
