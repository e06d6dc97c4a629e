package kvm

import "unsafe"

// DevicePath is the KVM control device.
const DevicePath = "/dev/kvm"

// System is the raw kernel boundary used by a Session. Every file
// descriptor and mapping a Session owns is obtained and released through
// it, which lets tests substitute the kernel.
type System interface {
	Open(path string, mode int) (int, error)
	Close(fd int) error

	// Ioctl issues a request whose argument is an integer.
	Ioctl(fd int, req Request, arg uintptr) (uintptr, error)
	// IoctlPointer issues a request whose argument points at a kernel ABI
	// structure.
	IoctlPointer(fd int, req Request, arg unsafe.Pointer) (uintptr, error)

	Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error)
	Munmap(b []byte) error
	Madvise(b []byte, advice int) error
}
