//go:build linux

package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/tinyrange/minikvm/internal/boot/amd64"
	"github.com/tinyrange/minikvm/internal/guestmem"
	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"github.com/tinyrange/minikvm/internal/timeslice"
)

var (
	tsBootLoadImage     = timeslice.RegisterKind("boot_load_image", timeslice.FlagSetupTime)
	tsBootPageTables    = timeslice.RegisterKind("boot_page_tables", timeslice.FlagSetupTime)
	tsBootSetRegisters  = timeslice.RegisterKind("boot_set_registers", timeslice.FlagSetupTime)
	tsBootGuestFinished = timeslice.RegisterKind("boot_guest_finished", 0)
)

// Boot creates a machine for cfg, loads image at cfg.LoadAddress and runs
// it until the guest halts or faults. Every port I/O exit is passed to
// obs. The session and guest memory are released before Boot returns,
// whatever the outcome.
func Boot(ctx context.Context, cfg Config, image []byte, obs hv.IOObserver, opts ...Option) (Stats, error) {
	o := bootOptions{sys: kvm.HostSystem(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(len(image)); err != nil {
		return Stats{}, err
	}

	// KVM_RUN must keep coming from the thread that created the vCPU.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sess, err := kvm.Open(kvm.WithSystem(o.sys), kvm.WithRecorder(o.rec), kvm.WithLogger(o.logger))
	if err != nil {
		return Stats{}, fmt.Errorf("open hypervisor session: %w", err)
	}
	defer closeLogged(o.logger, "hypervisor session", sess)

	var memOpts []guestmem.Option
	if cfg.Mergeable {
		memOpts = append(memOpts, guestmem.WithMergeable())
	}
	mem, err := guestmem.Map(o.sys, cfg.MemorySize, append(memOpts, guestmem.WithLogger(o.logger))...)
	if err != nil {
		return Stats{}, fmt.Errorf("map guest memory: %w", err)
	}
	defer closeLogged(o.logger, "guest memory", mem)

	mem.CopyInAt(cfg.LoadAddress, image)
	o.rec.Record(tsBootLoadImage)

	if cfg.Mode == ModeLong {
		if err := amd64.SetupGDT(mem.Bytes()); err != nil {
			return Stats{}, err
		}
		if err := amd64.SetupPaging(mem.Bytes()); err != nil {
			return Stats{}, err
		}
		o.rec.Record(tsBootPageTables)
	}

	if err := sess.SetMemoryRegion(0, cfg.MemorySize, mem.HostAddr()); err != nil {
		return Stats{}, fmt.Errorf("register guest memory: %w", err)
	}

	sregs, err := sess.GetSpecialRegisters()
	if err != nil {
		return Stats{}, fmt.Errorf("read special registers: %w", err)
	}
	switch cfg.Mode {
	case ModeLong:
		sregs = amd64.LongModeSpecialRegisters(sregs)
	default:
		sregs = amd64.RealModeSpecialRegisters(sregs)
	}
	if err := sess.SetSpecialRegisters(&sregs); err != nil {
		return Stats{}, fmt.Errorf("write special registers: %w", err)
	}

	regs := amd64.GeneralRegisters(cfg.EntryPoint, cfg.BootParams)
	if err := sess.SetRegisters(&regs); err != nil {
		return Stats{}, fmt.Errorf("write registers: %w", err)
	}
	o.rec.Record(tsBootSetRegisters)

	o.logger.Debug("booting guest",
		"mode", cfg.Mode,
		"memory", cfg.MemorySize,
		"load", cfg.LoadAddress,
		"entry", cfg.EntryPoint,
		"image_bytes", len(image),
	)

	d := &Dispatcher{
		VCPU:     sess,
		Observer: obs,
		MaxExits: cfg.MaxExits,
		Logger:   o.logger,
		Recorder: o.rec,
	}
	stats, err := d.Run(ctx)
	o.rec.Record(tsBootGuestFinished)
	return stats, err
}

func closeLogged(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Error("release "+what, "error", err)
	}
}
