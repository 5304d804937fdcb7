package iolog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Reader walks a recorded session.
type Reader struct {
	Dir  string
	Info Info

	timing  *os.File
	sc      *bufio.Scanner
	line    int
	streams [streamCount]io.Reader
	closers []io.Closer
}

// Open opens the session stored in dir.
func Open(dir string) (*Reader, error) {
	info, err := ReadInfo(dir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, TimingFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &Reader{Dir: dir, Info: info, timing: f, sc: scanTiming(f)}, nil
}

// NextEvent returns the next timing record, or io.EOF.
func (r *Reader) NextEvent() (Event, error) {
	for r.sc.Scan() {
		r.line++
		line := r.sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseEvent(line)
		if err != nil {
			return Event{}, fmt.Errorf("%s line %d: %w", TimingFile, r.line, err)
		}
		return e, nil
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("read %s: %w", TimingFile, err)
	}
	return Event{}, io.EOF
}

// Read returns the next n bytes of stream s.
func (r *Reader) Read(s Stream, n int) ([]byte, error) {
	if s < 0 || s >= streamCount {
		return nil, fmt.Errorf("invalid stream %d", int(s))
	}
	src, err := r.stream(s)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", s, err)
	}
	return buf, nil
}

// stream lazily opens the file for s, transparently decompressing it.
func (r *Reader) stream(s Stream) (io.Reader, error) {
	if r.streams[s] != nil {
		return r.streams[s], nil
	}
	f, err := os.Open(filepath.Join(r.Dir, s.String()))
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", s, err)
	}
	r.closers = append(r.closers, f)
	br := bufio.NewReader(f)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open %s log: %w", s, err)
		}
		r.closers = append(r.closers, gz)
		r.streams[s] = gz
		return gz, nil
	}
	r.streams[s] = br
	return br, nil
}

// Close releases the open files.
func (r *Reader) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if err := r.timing.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
