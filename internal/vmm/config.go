package vmm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/minikvm/internal/boot/amd64"
)

var (
	ErrInvalidConfig = errors.New("invalid machine config")
	ErrImageTooLarge = errors.New("guest image does not fit in guest memory")
)

type Mode int

const (
	// ModeReal runs the image in 16-bit real mode from physical address
	// RIP.
	ModeReal Mode = iota
	// ModeLong runs the image in 64-bit mode on a flat GDT and an identity
	// map of the first GiB.
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "real", "16":
		return ModeReal, nil
	case "long", "64":
		return ModeLong, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

const (
	realModeLimit = 0x10000

	DefaultLongMemorySize  = 2 << 20
	DefaultLongLoadAddress = 0x10000
	DefaultBootParams      = 0x7000
)

// Config describes a single-vCPU machine. A zero MaxExits means no limit.
type Config struct {
	Mode        Mode
	MemorySize  uint64
	LoadAddress uint64
	EntryPoint  uint64
	BootParams  uint64
	MaxExits    uint64
	Mergeable   bool
}

// DefaultConfig returns the layout the harness uses for mode when nothing
// is overridden.
func DefaultConfig(mode Mode) Config {
	switch mode {
	case ModeLong:
		return Config{
			Mode:        ModeLong,
			MemorySize:  DefaultLongMemorySize,
			LoadAddress: DefaultLongLoadAddress,
			EntryPoint:  DefaultLongLoadAddress,
			BootParams:  DefaultBootParams,
		}
	default:
		return Config{
			Mode:       ModeReal,
			MemorySize: 0x1000,
		}
	}
}

// Validate checks that an image of imageSize bytes can be loaded and
// started under c. It does not check the memory size granularity, which
// is left to the kernel-facing layers.
func (c Config) Validate(imageSize int) error {
	if c.MemorySize == 0 {
		return fmt.Errorf("%w: memory size is zero", ErrInvalidConfig)
	}
	if c.LoadAddress >= c.MemorySize {
		return fmt.Errorf("%w: load address %#x is outside %#x bytes of memory", ErrInvalidConfig, c.LoadAddress, c.MemorySize)
	}
	if uint64(imageSize) >= c.MemorySize-c.LoadAddress {
		return fmt.Errorf("%w: %d bytes at %#x in %#x bytes of memory", ErrImageTooLarge, imageSize, c.LoadAddress, c.MemorySize)
	}
	if c.EntryPoint >= c.MemorySize {
		return fmt.Errorf("%w: entry point %#x is outside %#x bytes of memory", ErrInvalidConfig, c.EntryPoint, c.MemorySize)
	}

	switch c.Mode {
	case ModeReal:
		if c.EntryPoint >= realModeLimit {
			return fmt.Errorf("%w: entry point %#x is not reachable in real mode", ErrInvalidConfig, c.EntryPoint)
		}
	case ModeLong:
		if c.MemorySize < amd64.ReservedEnd {
			return fmt.Errorf("%w: long mode needs at least %#x bytes of memory", ErrInvalidConfig, amd64.ReservedEnd)
		}
		if c.MemorySize > amd64.IdentityMapSize {
			return fmt.Errorf("%w: memory above %#x is not identity mapped", ErrInvalidConfig, amd64.IdentityMapSize)
		}
		if imageSize > 0 && c.LoadAddress < amd64.ReservedEnd {
			return fmt.Errorf("%w: load address %#x overlaps the boot tables below %#x", ErrInvalidConfig, c.LoadAddress, amd64.ReservedEnd)
		}
		if c.BootParams >= c.MemorySize {
			return fmt.Errorf("%w: boot params %#x are outside %#x bytes of memory", ErrInvalidConfig, c.BootParams, c.MemorySize)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, int(c.Mode))
	}
	return nil
}
