// Package console turns guest port I/O into something a person can read.
package console

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/tinyrange/minikvm/internal/hv"
)

// COM1 is the conventional first serial port.
const COM1 = 0x3f8

// FormatChar renders a transferred byte: printable ASCII as itself, anything
// else quoted and escaped.
func FormatChar(c byte) string {
	if c >= 0x20 && c < 0x7f {
		return string(rune(c))
	}
	return strconv.QuoteRune(rune(c))
}

// PortLogger writes one line per port I/O exit, in the form
// "Port: 0x3f8, Char: A".
type PortLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPortLogger(w io.Writer) *PortLogger {
	return &PortLogger{w: w}
}

func (l *PortLogger) ObserveIO(ev hv.IOEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "Port: %#x, Char: %s\n", ev.Port, FormatChar(ev.Char))
	return err
}
