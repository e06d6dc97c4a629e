// Package timeslice records how long each phase of a run takes. Phases are
// registered as kinds at init time; records are streamed to a single
// process-wide writer when one is open and dropped otherwise.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x53544b4d // "MKTS"
	Version uint32 = 1

	headerAlign = 4096
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type Kind uint64

const InvalidKind = Kind(0)

type Flags uint32

const (
	FlagGuestTime Flags = 1 << iota
	FlagSetupTime
)

func (f Flags) String() string {
	var names []string
	if f&FlagGuestTime != 0 {
		names = append(names, "guest")
	}
	if f&FlagSetupTime != 0 {
		names = append(names, "setup")
	}
	return strings.Join(names, ",")
}

type KindInfo struct {
	Name  string
	Flags Flags
}

var kinds = make(map[Kind]KindInfo)

// RegisterKind is meant for package-level vars; it is not safe for
// concurrent use.
func RegisterKind(name string, flags Flags) Kind {
	id := Kind(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	Kind     Kind
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w    io.Writer
	recs chan record
	done chan error
}

func (w *writer) run() {
	defer close(w.done)

	var buf [headerAlign]byte
	off := 0

	for rec := range w.recs {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// keep draining so Record never blocks on a dead writer
				for range w.recs {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(rec.Kind))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: recording already stopped")
	}
	close(w.recs)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Record emits one record to the open writer, if any.
func Record(kind Kind, d time.Duration) {
	if w := current.Load(); w != nil {
		w.recs <- record{Kind: kind, Duration: d.Nanoseconds()}
	}
}

// Recorder attributes the time since its previous mark to a kind. A nil
// Recorder records nothing. It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(kind Kind) {
	if r == nil {
		return
	}
	now := time.Now()
	Record(kind, now.Sub(r.last))
	r.last = now
}

// StartRecording writes the header and kind table to w and streams every
// following record to it until the returned Closer is closed. Only one
// recording may be active at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: recording already active")
	}

	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	hdr := header{Magic: Magic, Version: Version, KindsBytes: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:    w,
		recs: make(chan record, 4096),
		done: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("timeslice: recording already active")
	}
	go wr.run()

	return wr, nil
}

func padding(n int) int {
	if n%headerAlign == 0 {
		return 0
	}
	return headerAlign - n%headerAlign
}

// ReadAllRecords decodes a recording and calls fn for every record in order.
func ReadAllRecords(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, headerAlign)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[Kind]KindInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + int(hdr.KindsBytes)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := table[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

type Summary struct {
	Name  string
	Flags Flags
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Summary) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize totals a recording per kind, largest total first.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := make(map[string]*Summary)
	if err := ReadAllRecords(r, func(name string, flags Flags, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &Summary{Name: name, Flags: flags}
			byName[name] = s
		}
		s.add(d)
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
