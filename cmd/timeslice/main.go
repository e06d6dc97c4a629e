// Command timeslice prints a trace written by minikvm -timeslices.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/minikvm/internal/timeslice"
)

func formatSummary(s timeslice.Summary) string {
	return fmt.Sprintf("% 40s flags=% 10s count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s",
		s.Name, s.Flags, s.Count, s.Total, s.Min, s.Max, s.Mean())
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("timeslice", flag.ContinueOnError)
	fs.SetOutput(stderr)

	filename := fs.String("filename", "", "timeslice `file` to read")
	sums := fs.Bool("sums", false, "print per-kind totals instead of every record")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filename == "" {
		fs.Usage()
		return errors.New("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *sums {
		summaries, err := timeslice.Summarize(f)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		for _, s := range summaries {
			fmt.Fprintln(stdout, formatSummary(s))
		}
		return nil
	}

	if err := timeslice.ReadAllRecords(f, func(name string, flags timeslice.Flags, d time.Duration) error {
		_, err := fmt.Fprintf(stdout, "%s %s %s\n", name, flags, d)
		return err
	}); err != nil {
		return fmt.Errorf("read timeslice file: %w", err)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
