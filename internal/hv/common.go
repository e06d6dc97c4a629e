package hv

import (
	"errors"
	"fmt"
)

// PageSize is the host and guest page granularity for memory regions.
const PageSize = 0x1000

var (
	ErrClosed                = errors.New("hypervisor resource already closed")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	switch d {
	case IODirectionIn:
		return "in"
	case IODirectionOut:
		return "out"
	default:
		return fmt.Sprintf("IODirection(%d)", uint8(d))
	}
}

// IOEvent is a single port I/O exit reduced to the first transferred byte.
type IOEvent struct {
	Port      uint16
	Direction IODirection
	Char      byte
}

// IOObserver is the diagnostic output channel of the harness.
type IOObserver interface {
	ObserveIO(ev IOEvent) error
}

type IOObserverFunc func(ev IOEvent) error

func (f IOObserverFunc) ObserveIO(ev IOEvent) error {
	if f == nil {
		return nil
	}
	return f(ev)
}

type multiObserver []IOObserver

func (m multiObserver) ObserveIO(ev IOEvent) error {
	for _, obs := range m {
		if err := obs.ObserveIO(ev); err != nil {
			return err
		}
	}
	return nil
}

// MultiObserver fans every event out to each non-nil observer in order.
func MultiObserver(observers ...IOObserver) IOObserver {
	var m multiObserver
	for _, obs := range observers {
		if obs != nil {
			m = append(m, obs)
		}
	}
	return m
}
