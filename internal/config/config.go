// Package config reads and writes the YAML machine description accepted by
// minikvm -config.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/minikvm/internal/console"
	"github.com/tinyrange/minikvm/internal/vmm"
)

const (
	Filename       = "minikvm.yaml"
	CurrentVersion = 1
)

type File struct {
	Version int    `yaml:"version"`
	Image   string `yaml:"image,omitempty"`
	// Trace is where a timeslice recording of the run is written.
	Trace   string  `yaml:"trace,omitempty"`
	Machine Machine `yaml:"machine"`
	Console Console `yaml:"console"`
}

// Machine overrides the defaults of its mode. Unset addresses keep the
// mode's defaults.
type Machine struct {
	Mode        vmm.Mode `yaml:"mode"`
	MemorySize  *uint64  `yaml:"memorySize,omitempty"`
	LoadAddress *uint64  `yaml:"loadAddress,omitempty"`
	EntryPoint  *uint64  `yaml:"entryPoint,omitempty"`
	BootParams  *uint64  `yaml:"bootParams,omitempty"`
	MaxExits    uint64   `yaml:"maxExits,omitempty"`
	Mergeable   bool     `yaml:"mergeable,omitempty"`
}

type Console struct {
	// Screen renders output on Port through a terminal emulator instead of
	// logging every exit.
	Screen  bool   `yaml:"screen,omitempty"`
	Port    uint16 `yaml:"port,omitempty"`
	Columns int    `yaml:"columns,omitempty"`
	Rows    int    `yaml:"rows,omitempty"`
}

func (f *File) normalize() {
	if f.Version == 0 {
		f.Version = CurrentVersion
	}
	if f.Console.Port == 0 {
		f.Console.Port = console.COM1
	}
	if f.Console.Columns == 0 {
		f.Console.Columns = 80
	}
	if f.Console.Rows == 0 {
		f.Console.Rows = 25
	}
}

// Parse decodes a machine description. Unknown keys are an error.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if f.Version > CurrentVersion {
		return File{}, fmt.Errorf("unsupported config version %d", f.Version)
	}
	f.normalize()
	return f, nil
}

// Load reads path. Relative image and trace paths are resolved against the
// directory holding the file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}

	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if f.Image != "" && !filepath.IsAbs(f.Image) {
		f.Image = filepath.Join(dir, f.Image)
	}
	if f.Trace != "" && !filepath.IsAbs(f.Trace) {
		f.Trace = filepath.Join(dir, f.Trace)
	}
	return f, nil
}

// Encode writes f as YAML.
func Encode(w io.Writer, f File) error {
	f.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config encoder: %w", err)
	}
	return nil
}

func Write(path string, f File) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Encode(out, f); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MachineConfig resolves the machine section against the mode defaults.
// In long mode an unset entry point follows the load address.
func (f File) MachineConfig() vmm.Config {
	m := f.Machine
	cfg := vmm.DefaultConfig(m.Mode)

	if m.MemorySize != nil {
		cfg.MemorySize = *m.MemorySize
	}
	if m.LoadAddress != nil {
		cfg.LoadAddress = *m.LoadAddress
		if m.Mode == vmm.ModeLong && m.EntryPoint == nil {
			cfg.EntryPoint = cfg.LoadAddress
		}
	}
	if m.EntryPoint != nil {
		cfg.EntryPoint = *m.EntryPoint
	}
	if m.BootParams != nil {
		cfg.BootParams = *m.BootParams
	}
	cfg.MaxExits = m.MaxExits
	cfg.Mergeable = m.Mergeable
	return cfg
}

// FromMachineConfig is the inverse of MachineConfig, with every field set.
func FromMachineConfig(cfg vmm.Config) Machine {
	return Machine{
		Mode:        cfg.Mode,
		MemorySize:  &cfg.MemorySize,
		LoadAddress: &cfg.LoadAddress,
		EntryPoint:  &cfg.EntryPoint,
		BootParams:  &cfg.BootParams,
		MaxExits:    cfg.MaxExits,
		Mergeable:   cfg.Mergeable,
	}
}
