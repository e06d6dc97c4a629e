// Command minikvm boots a flat binary in a single-vCPU KVM machine and
// reports the port I/O it performs until it halts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/minikvm/internal/config"
	"github.com/tinyrange/minikvm/internal/console"
	"github.com/tinyrange/minikvm/internal/hv"
	"github.com/tinyrange/minikvm/internal/hv/kvm"
	"github.com/tinyrange/minikvm/internal/timeslice"
	"github.com/tinyrange/minikvm/internal/vmm"
)

var (
	tsLoadImage = timeslice.RegisterKind("minikvm::load_image", timeslice.FlagSetupTime)
	tsBoot      = timeslice.RegisterKind("minikvm::boot", 0)
	tsBenchBoot = timeslice.RegisterKind("minikvm::bench_boot", 0)
)

// Built-in guests: write 'A' to COM1, then halt.
var (
	demoReal = []byte{0xba, 0xf8, 0x03, 0xb0, 0x41, 0xee, 0xf4}
	demoLong = []byte{0x66, 0xba, 0xf8, 0x03, 0xb0, 0x41, 0xee, 0xf4}
)

type app struct {
	stdout io.Writer
	stderr io.Writer
	// system returns the kernel boundary for one boot; nil means the host.
	system func() kvm.System
}

func (a *app) bootOptions(logger *slog.Logger, rec *timeslice.Recorder) []vmm.Option {
	opts := []vmm.Option{vmm.WithLogger(logger), vmm.WithRecorder(rec)}
	if a.system != nil {
		opts = append(opts, vmm.WithSystem(a.system()))
	}
	return opts
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("minikvm", flag.ContinueOnError)
	fs.SetOutput(a.stderr)

	configPath := fs.String("config", "", "read the machine description from a YAML `file`")
	mode := fs.String("mode", "real", "CPU mode to start the guest in (real or long)")
	mem := fs.Uint64("mem", 0, "guest memory size in bytes (default depends on mode)")
	load := fs.Uint64("load", 0, "guest physical address to load the image at")
	entry := fs.Uint64("entry", 0, "guest physical address to start executing at")
	bootParams := fs.Uint64("boot-params", 0, "address passed to the guest in RSI (long mode)")
	maxExits := fs.Uint64("max-exits", 0, "fail after this many vCPU runs (0 for unlimited)")
	mergeable := fs.Bool("mergeable", false, "allow the kernel to merge identical guest pages")
	screen := fs.Bool("screen", false, "render COM1 output through a terminal emulator instead of logging each exit")
	timeslices := fs.String("timeslices", "", "record a timeslice trace to `file` and print a summary")
	dumpConfig := fs.Bool("dump-config", false, "print the resolved machine description as YAML and exit")
	bench := fs.Int("bench", 0, "boot the guest `N` times and report timings")
	parallel := fs.Int("parallel", 1, "boots to run at once in bench mode")
	verbose := fs.Bool("v", false, "enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage: minikvm [flags] [image]\n\n")
		fmt.Fprintf(a.stderr, "Boots image (or a built-in demo that prints 'A') and logs its port I/O.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return fmt.Errorf("expected at most one image, got %d", fs.NArg())
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	var file config.File
	if *configPath != "" {
		var err error
		if file, err = config.Load(*configPath); err != nil {
			return err
		}
	} else {
		var err error
		if file, err = config.Parse(strings.NewReader("")); err != nil {
			return err
		}
	}

	// Flags given on the command line win over the file.
	var modeErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			file.Machine.Mode, modeErr = vmm.ParseMode(*mode)
		case "mem":
			file.Machine.MemorySize = mem
		case "load":
			file.Machine.LoadAddress = load
		case "entry":
			file.Machine.EntryPoint = entry
		case "boot-params":
			file.Machine.BootParams = bootParams
		case "max-exits":
			file.Machine.MaxExits = *maxExits
		case "mergeable":
			file.Machine.Mergeable = *mergeable
		case "screen":
			file.Console.Screen = *screen
		case "timeslices":
			file.Trace = *timeslices
		}
	})
	if modeErr != nil {
		return modeErr
	}
	if fs.NArg() == 1 {
		file.Image = fs.Arg(0)
	}

	cfg := file.MachineConfig()

	if *dumpConfig {
		file.Machine = config.FromMachineConfig(cfg)
		return config.Encode(a.stdout, file)
	}

	if file.Trace != "" {
		stop, err := startTrace(file.Trace)
		if err != nil {
			return err
		}
		defer func() {
			if err := stop(); err != nil {
				logger.Error("finish timeslice trace", "error", err)
				return
			}
			if err := printTraceSummary(a.stderr, file.Trace); err != nil {
				logger.Error("summarize timeslice trace", "error", err)
			}
		}()
	}

	rec := timeslice.NewRecorder()
	image, err := loadImage(file.Image, cfg.Mode)
	if err != nil {
		return err
	}
	rec.Record(tsLoadImage)

	if *bench > 0 {
		return a.runBench(ctx, cfg, image, *bench, *parallel, logger)
	}

	var obs hv.IOObserver = console.NewPortLogger(a.stdout)
	var scr *console.Screen
	if file.Console.Screen {
		cols, rows := screenSize(a.stdout, file.Console)
		scr = console.NewScreen(cols, rows, file.Console.Port)
		defer scr.Close()
		obs = scr
	}

	stats, err := vmm.Boot(ctx, cfg, image, obs, a.bootOptions(logger, rec)...)
	rec.Record(tsBoot)
	if scr != nil {
		fmt.Fprintln(a.stdout, scr.Render())
	}
	logger.Debug("guest finished", "runs", stats.Runs, "io_exits", stats.IOExits, "error", err)
	return err
}

func loadImage(path string, mode vmm.Mode) ([]byte, error) {
	if path == "" {
		if mode == vmm.ModeLong {
			return demoLong, nil
		}
		return demoReal, nil
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return image, nil
}

// screenSize follows the host terminal when stdout is one.
func screenSize(w io.Writer, c config.Console) (int, int) {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, rows, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 && rows > 0 {
			return cols, rows
		}
	}
	return c.Columns, c.Rows
}

func startTrace(path string) (func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create timeslice file: %w", err)
	}
	closer, err := timeslice.StartRecording(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("start recording timeslices: %w", err)
	}
	return func() error {
		return errors.Join(closer.Close(), f.Close())
	}, nil
}

func printTraceSummary(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	summaries, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%-32s %-12s count=%-6d total=%-14s mean=%s\n", s.Name, s.Flags, s.Count, s.Total, s.Mean())
	}
	return nil
}

type countingObserver struct {
	events atomic.Uint64
}

func (c *countingObserver) ObserveIO(hv.IOEvent) error {
	c.events.Add(1)
	return nil
}

// runBench boots n independent machines, at most parallel at a time. Each
// boot keeps to its own goroutine and OS thread.
func (a *app) runBench(ctx context.Context, cfg vmm.Config, image []byte, n, parallel int, logger *slog.Logger) error {
	if parallel < 1 {
		parallel = 1
	}

	pb := progressbar.NewOptions(n,
		progressbar.OptionSetWriter(a.stderr),
		progressbar.OptionSetDescription("booting"),
		progressbar.OptionShowCount(),
	)
	defer pb.Close()

	var obs countingObserver
	var runs atomic.Uint64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	start := time.Now()
	for i := range n {
		g.Go(func() error {
			rec := timeslice.NewRecorder()
			stats, err := vmm.Boot(ctx, cfg, image, &obs, a.bootOptions(logger, rec)...)
			if err != nil {
				return fmt.Errorf("boot %d: %w", i, err)
			}
			rec.Record(tsBenchBoot)
			runs.Add(stats.Runs)
			return pb.Add(1)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintf(a.stdout, "boots=%d parallel=%d total=%s per_boot=%s runs=%d io_exits=%d\n",
		n, parallel, elapsed, elapsed/time.Duration(n), runs.Load(), obs.events.Load())
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "minikvm: %v\n", err)
		stop()
		os.Exit(1)
	}
}
