package console

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"

	"github.com/tinyrange/minikvm/internal/hv"
)

// Screen feeds bytes a guest writes to one port into a terminal emulator,
// so escape sequences and cursor movement are interpreted the way a real
// serial console would show them.
type Screen struct {
	emu     *vt.SafeEmulator
	port    uint16
	drained chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewScreen creates a cols x rows screen for output on port. It must be
// closed to stop its reply drain.
func NewScreen(cols, rows int, port uint16) *Screen {
	emu := vt.NewSafeEmulator(cols, rows)
	suppressQueryReplies(emu)

	s := &Screen{
		emu:     emu,
		port:    port,
		drained: make(chan struct{}),
	}
	go s.drain()
	return s
}

// drain discards what the emulator would send back to the guest. There is
// no input path to the guest, and an unread reply would block writes.
func (s *Screen) drain() {
	defer close(s.drained)
	_, _ = io.Copy(io.Discard, s.emu)
}

// suppressQueryReplies swallows status and attribute queries so they do not
// generate replies at all.
func suppressQueryReplies(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (s *Screen) ObserveIO(ev hv.IOEvent) error {
	if ev.Direction != hv.IODirectionOut || ev.Port != s.port {
		return nil
	}
	_, err := s.emu.Write([]byte{ev.Char})
	return err
}

// Render returns the visible text, one line per row, with trailing blanks
// and empty trailing rows removed.
func (s *Screen) Render() string {
	cols, rows := s.emu.Width(), s.emu.Height()

	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var line strings.Builder
		for x := 0; x < cols; {
			cell := s.emu.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			line.WriteString(content)
			x += w
		}
		lines = append(lines, strings.TrimRight(line.String(), " "))
	}

	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func (s *Screen) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.emu.Close()
		<-s.drained
	})
	return s.closeErr
}
