package iolog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Options control where and how a session is recorded.
type Options struct {
	Dir      string   // base directory, e.g. /var/log/runas-io
	File     string   // path template relative to Dir
	Compress bool     // gzip the stream files
	Streams  []Stream // streams to record; empty means all
	Now      func() time.Time
}

// Writer records one session. It is driven from a single goroutine.
type Writer struct {
	id      string
	dir     string
	streams [streamCount]*streamFile
	timing  *os.File
	last    time.Time
	now     func() time.Time
}

type streamFile struct {
	f  *os.File
	gz *gzip.Writer
	w  io.Writer
}

func (s *streamFile) close() error {
	var err error
	if s.gz != nil {
		err = s.gz.Close()
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Create expands the path template, creates the session directory and
// writes the header. The id is the session path relative to opts.Dir.
func Create(opts Options, info Info, vars Vars) (*Writer, error) {
	if opts.Dir == "" {
		return nil, errors.New("no session log directory configured")
	}
	tmpl := opts.File
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	rel, err := Expand(tmpl, vars, func() (string, error) { return NextSeq(opts.Dir) })
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(opts.Dir, rel)
	if strings.HasSuffix(rel, "XXXXXX") {
		parent := filepath.Dir(dir)
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("create session log parent: %w", err)
		}
		dir, err = os.MkdirTemp(parent, strings.TrimSuffix(filepath.Base(rel), "XXXXXX")+"*")
		if err != nil {
			return nil, fmt.Errorf("create session log directory: %w", err)
		}
		if rel, err = filepath.Rel(opts.Dir, dir); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session log directory: %w", err)
	}

	w := &Writer{id: rel, dir: dir, now: now}
	if info.Time.IsZero() {
		info.Time = now()
	}
	if err := os.WriteFile(filepath.Join(dir, InfoFile), []byte(info.marshal()), 0o600); err != nil {
		return nil, fmt.Errorf("write session header: %w", err)
	}

	streams := opts.Streams
	if len(streams) == 0 {
		streams = AllStreams()
	}
	for _, s := range streams {
		if s < 0 || s >= streamCount || w.streams[s] != nil {
			continue
		}
		sf, err := openStream(filepath.Join(dir, s.String()), opts.Compress)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.streams[s] = sf
	}

	w.timing, err = os.OpenFile(filepath.Join(dir, TimingFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o600)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open timing file: %w", err)
	}
	w.last = now()
	return w, nil
}

func openStream(path string, compress bool) (*streamFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open stream log: %w", err)
	}
	sf := &streamFile{f: f, w: f}
	if compress {
		sf.gz = gzip.NewWriter(f)
		sf.w = sf.gz
	}
	return sf, nil
}

// ID returns the session path relative to the base directory.
func (w *Writer) ID() string { return w.id }

// Dir returns the session directory.
func (w *Writer) Dir() string { return w.dir }

// Logs reports whether stream s is being recorded.
func (w *Writer) Logs(s Stream) bool {
	return s >= 0 && s < streamCount && w.streams[s] != nil
}

func (w *Writer) delay() time.Duration {
	now := w.now()
	d := now.Sub(w.last)
	if d < 0 {
		d = 0
	}
	w.last = now
	return d
}

// Write appends p to stream s and records a timing line. Writes to
// streams that are not recorded are dropped.
func (w *Writer) Write(s Stream, p []byte) error {
	if len(p) == 0 || !w.Logs(s) {
		return nil
	}
	if _, err := w.streams[s].w.Write(p); err != nil {
		return fmt.Errorf("write %s log: %w", s, err)
	}
	return w.event(Event{Stream: s, Delay: w.delay(), Bytes: len(p)})
}

// Resize records a window size change.
func (w *Writer) Resize(rows, cols int) error {
	return w.event(Event{Resize: true, Delay: w.delay(), Rows: rows, Cols: cols})
}

func (w *Writer) event(e Event) error {
	if w.timing == nil {
		return errors.New("session log is closed")
	}
	if _, err := io.WriteString(w.timing, FormatEvent(e)); err != nil {
		return fmt.Errorf("write timing: %w", err)
	}
	return nil
}

// Action returns a relay callback that records every chunk on stream s.
func (w *Writer) Action(s Stream) func([]byte) error {
	if !w.Logs(s) {
		return nil
	}
	return func(p []byte) error { return w.Write(s, p) }
}

// Close flushes and closes every file.
func (w *Writer) Close() error {
	var errs []error
	for i, sf := range w.streams {
		if sf == nil {
			continue
		}
		if err := sf.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s log: %w", Stream(i), err))
		}
		w.streams[i] = nil
	}
	if w.timing != nil {
		if err := w.timing.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close timing: %w", err))
		}
		w.timing = nil
	}
	return errors.Join(errs...)
}
