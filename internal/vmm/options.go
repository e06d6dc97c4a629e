package vmm

import (
	"log/slog"

	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"github.com/tinyrange/minikvm/internal/timeslice"
)

type bootOptions struct {
	sys    kvm.System
	logger *slog.Logger
	rec    *timeslice.Recorder
}

type Option func(*bootOptions)

// WithSystem boots against sys instead of the host kernel.
func WithSystem(sys kvm.System) Option {
	return func(o *bootOptions) { o.sys = sys }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *bootOptions) { o.logger = logger }
}

func WithRecorder(rec *timeslice.Recorder) Option {
	return func(o *bootOptions) { o.rec = rec }
}
