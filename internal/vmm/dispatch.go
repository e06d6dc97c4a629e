package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"github.com/tinyrange/minikvm/internal/timeslice"
)

var (
	tsDispatchIO = timeslice.RegisterKind("vmm_dispatch_io", 0)

	ErrExitBudget = errors.New("vCPU exit budget exhausted")
)

type State int

const (
	StateReady State = iota
	StateRunning
	StateIOExit
	StateHalted
	StateFault
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateIOExit:
		return "io-exit"
	case StateHalted:
		return "halted"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// VCPU is what the dispatcher needs from a session.
type VCPU interface {
	Run() (*kvm.RunState, error)
}

type Stats struct {
	Runs    uint64
	IOExits uint64
}

// UnhandledExitError is a vCPU exit the harness has no handler for. It
// ends the run.
type UnhandledExitError struct {
	Reason kvm.ExitReason
	Detail string
}

func (e *UnhandledExitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unhandled vCPU exit %s", e.Reason)
	}
	return fmt.Sprintf("unhandled vCPU exit %s: %s", e.Reason, e.Detail)
}

func unhandledExit(run *kvm.RunState, reason kvm.ExitReason) *UnhandledExitError {
	e := &UnhandledExitError{Reason: reason}
	switch reason {
	case kvm.ExitInternalError:
		ie := run.InternalError()
		e.Detail = fmt.Sprintf("%s data=%#x", ie.Suberror, ie.Data)
	case kvm.ExitFailEntry, kvm.ExitUnknown:
		e.Detail = fmt.Sprintf("hardware reason %#x", run.HardwareReason())
	}
	return e
}

// Dispatcher runs a vCPU until it halts, reporting every port I/O exit to
// Observer on the way. Ready -> Running -> (IOExit -> Running)* ->
// Halted, or Fault on anything else.
type Dispatcher struct {
	VCPU     VCPU
	Observer hv.IOObserver
	// MaxExits bounds the number of runs; zero means unbounded.
	MaxExits uint64
	Logger   *slog.Logger
	Recorder *timeslice.Recorder

	state State
}

func (d *Dispatcher) State() State { return d.state }

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run returns nil once the guest halts. The context is checked between
// exits only; a guest that never exits is not interrupted.
func (d *Dispatcher) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			d.state = StateFault
			return stats, err
		}
		if d.MaxExits != 0 && stats.Runs >= d.MaxExits {
			d.state = StateFault
			return stats, fmt.Errorf("%w after %d runs", ErrExitBudget, stats.Runs)
		}

		d.state = StateRunning
		run, err := d.VCPU.Run()
		stats.Runs++
		if err != nil {
			d.state = StateFault
			return stats, fmt.Errorf("run vCPU: %w", err)
		}

		switch reason := run.ExitReason(); reason {
		case kvm.ExitHlt:
			d.state = StateHalted
			d.logger().Debug("vCPU halted", "runs", stats.Runs, "io_exits", stats.IOExits)
			return stats, nil
		case kvm.ExitIO:
			d.state = StateIOExit
			if err := d.handleIO(run); err != nil {
				d.state = StateFault
				return stats, err
			}
			stats.IOExits++
			d.Recorder.Record(tsDispatchIO)
		default:
			d.state = StateFault
			return stats, unhandledExit(run, reason)
		}
	}
}

func (d *Dispatcher) handleIO(run *kvm.RunState) error {
	io := run.IO()
	data, err := run.Data(io)
	if err != nil {
		return fmt.Errorf("decode io exit: %w", err)
	}

	ev := hv.IOEvent{Port: io.Port, Direction: io.Direction}
	if len(data) > 0 {
		ev.Char = data[0]
	}
	d.logger().Debug("io exit", "port", io.Port, "direction", io.Direction, "size", io.Size, "count", io.Count)

	if d.Observer == nil {
		return nil
	}
	if err := d.Observer.ObserveIO(ev); err != nil {
		return fmt.Errorf("observe io on port %#x: %w", io.Port, err)
	}
	return nil
}
