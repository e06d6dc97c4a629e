package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"real": ModeReal,
		"16":   ModeReal,
		"LONG": ModeLong,
		"64":   ModeLong,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("protected")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestModeText(t *testing.T) {
	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("long")))
	assert.Equal(t, ModeLong, m)

	text, err := ModeReal.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "real", string(text))

	assert.Equal(t, "Mode(7)", Mode(7).String())
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, Config{Mode: ModeReal, MemorySize: 0x1000}, DefaultConfig(ModeReal))
	assert.Equal(t, Config{
		Mode:        ModeLong,
		MemorySize:  0x200000,
		LoadAddress: 0x10000,
		EntryPoint:  0x10000,
		BootParams:  0x7000,
	}, DefaultConfig(ModeLong))
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cfg   func(*Config)
		mode  Mode
		image int
		want  error
	}{
		{name: "real default", mode: ModeReal, image: 7},
		{name: "long default", mode: ModeLong, image: 8},
		{name: "image fills memory", mode: ModeReal, image: 0x1000, want: ErrImageTooLarge},
		{name: "image one short", mode: ModeReal, image: 0xfff},
		{name: "long image too large", mode: ModeLong, image: 0x1f0000, want: ErrImageTooLarge},
		{name: "zero memory", mode: ModeReal, cfg: func(c *Config) { c.MemorySize = 0 }, want: ErrInvalidConfig},
		{name: "load outside memory", mode: ModeReal, cfg: func(c *Config) { c.LoadAddress = 0x1000 }, want: ErrInvalidConfig},
		{name: "entry outside memory", mode: ModeReal, cfg: func(c *Config) { c.EntryPoint = 0x2000 }, want: ErrInvalidConfig},
		{name: "real entry above 64k", mode: ModeReal, cfg: func(c *Config) {
			c.MemorySize = 0x20000
			c.EntryPoint = 0x10000
		}, want: ErrInvalidConfig},
		{name: "long too small", mode: ModeLong, cfg: func(c *Config) {
			c.MemorySize = 0x2000
			c.LoadAddress = 0x1000
			c.EntryPoint = 0x1000
		}, want: ErrInvalidConfig},
		{name: "long beyond identity map", mode: ModeLong, cfg: func(c *Config) { c.MemorySize = 2 << 30 }, want: ErrInvalidConfig},
		{name: "long load over page tables", mode: ModeLong, image: 1, cfg: func(c *Config) { c.LoadAddress = 0x3000 }, want: ErrInvalidConfig},
		{name: "boot params outside memory", mode: ModeLong, cfg: func(c *Config) { c.BootParams = 0x200000 }, want: ErrInvalidConfig},
		{name: "unknown mode", mode: ModeReal, cfg: func(c *Config) { c.Mode = Mode(9) }, want: ErrInvalidConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(tc.mode)
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			err := cfg.Validate(tc.image)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
