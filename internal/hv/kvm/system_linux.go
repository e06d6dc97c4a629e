//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type hostSystem struct{}

// HostSystem returns the System backed by the running kernel.
func HostSystem() System { return hostSystem{} }

func (hostSystem) Open(path string, mode int) (int, error) {
	return unix.Open(path, mode, 0)
}

func (hostSystem) Close(fd int) error {
	return unix.Close(fd)
}

// EINTR only means a signal arrived (the Go runtime preempts with SIGURG),
// so the request is reissued.
func (hostSystem) Ioctl(fd int, req Request, arg uintptr) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

func (hostSystem) IoctlPointer(fd int, req Request, arg unsafe.Pointer) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

func (hostSystem) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}

func (hostSystem) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (hostSystem) Madvise(b []byte, advice int) error {
	return unix.Madvise(b, advice)
}
