package kvm

import "fmt"

// IoctlError reports a KVM request the kernel (or the argument check in
// front of it) refused. Err is usually a unix.Errno.
type IoctlError struct {
	Request Request
	Err     error
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("kvm: %s: %v", e.Request, e.Err)
}

func (e *IoctlError) Unwrap() error {
	return e.Err
}
