package hv

import (
	"errors"
	"io"
)

// Owned holds a kernel-backed value (a file descriptor, a mapping) together
// with the action that releases it. The release action runs at most once.
// It is not safe for concurrent use.
type Owned[T any] struct {
	val      T
	release  func(T) error
	released bool
}

func NewOwned[T any](val T, release func(T) error) *Owned[T] {
	return &Owned[T]{val: val, release: release}
}

// Get borrows the value. The caller must not release it.
func (o *Owned[T]) Get() T {
	return o.val
}

func (o *Owned[T]) Released() bool {
	return o == nil || o.released
}

// Close releases the value. Calls after the first return nil.
func (o *Owned[T]) Close() error {
	if o == nil || o.released {
		return nil
	}
	o.released = true

	var zero T
	val := o.val
	o.val = zero

	if o.release == nil {
		return nil
	}
	return o.release(val)
}

// Cleanup is a stack of release actions used while a composite resource is
// being built. If construction fails, Run releases everything acquired so
// far in reverse order. On success, Disarm hands ownership to the caller.
type Cleanup struct {
	fns []func() error
}

func (c *Cleanup) Add(fn func() error) {
	c.fns = append(c.fns, fn)
}

func (c *Cleanup) AddCloser(closer io.Closer) {
	c.Add(closer.Close)
}

// Run executes the pending actions last-in first-out and clears the stack.
func (c *Cleanup) Run() error {
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.fns = nil
	return errors.Join(errs...)
}

func (c *Cleanup) Disarm() {
	c.fns = nil
}
