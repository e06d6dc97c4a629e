package kvm

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/minikvm/internal/hv"
)

// struct kvm_run offsets.
const (
	RunExitReasonOffset = 8
	RunExitDataOffset   = 32
	runExitDataSize     = 256

	// RunStateMinSize is the smallest vCPU mapping that holds the exit
	// union.
	RunStateMinSize = RunExitDataOffset + runExitDataSize
)

// IOExit is the io member of the kvm_run exit union.
type IOExit struct {
	Direction  hv.IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

type InternalError struct {
	Suberror InternalErrorSubReason
	Data     []uint64
}

// RunState is a view of the shared kvm_run area of a vCPU. It is only
// valid until the next Run on the same vCPU, and never after the session
// is closed.
type RunState struct {
	mem []byte
}

func newRunState(mem []byte) (*RunState, error) {
	if len(mem) < RunStateMinSize {
		return nil, fmt.Errorf("kvm: vCPU run area is %d bytes, need at least %d", len(mem), RunStateMinSize)
	}
	return &RunState{mem: mem}, nil
}

func (r *RunState) ExitReason() ExitReason {
	return ExitReason(binary.LittleEndian.Uint32(r.mem[RunExitReasonOffset:]))
}

// IO decodes the io exit member. It is only meaningful for ExitIO.
func (r *RunState) IO() IOExit {
	u := r.mem[RunExitDataOffset:]
	return IOExit{
		Direction:  hv.IODirection(u[0]),
		Size:       u[1],
		Port:       binary.LittleEndian.Uint16(u[2:]),
		Count:      binary.LittleEndian.Uint32(u[4:]),
		DataOffset: binary.LittleEndian.Uint64(u[8:]),
	}
}

// Data returns the bytes an IO exit transfers. The slice aliases the run
// area.
func (r *RunState) Data(io IOExit) ([]byte, error) {
	n := uint64(io.Size) * uint64(io.Count)
	end := io.DataOffset + n
	if end < io.DataOffset || end > uint64(len(r.mem)) {
		return nil, fmt.Errorf("kvm: io data [%#x, %#x) outside %#x-byte run area", io.DataOffset, end, len(r.mem))
	}
	return r.mem[io.DataOffset:end], nil
}

func (r *RunState) InternalError() InternalError {
	u := r.mem[RunExitDataOffset:]
	ndata := binary.LittleEndian.Uint32(u[4:])
	if ndata > 16 {
		ndata = 16
	}
	data := make([]uint64, ndata)
	for i := range data {
		data[i] = binary.LittleEndian.Uint64(u[8+8*i:])
	}
	return InternalError{
		Suberror: InternalErrorSubReason(binary.LittleEndian.Uint32(u)),
		Data:     data,
	}
}

// HardwareReason is the hardware exit or entry failure reason for
// ExitUnknown and ExitFailEntry.
func (r *RunState) HardwareReason() uint64 {
	return binary.LittleEndian.Uint64(r.mem[RunExitDataOffset:])
}
