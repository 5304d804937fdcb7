// Package iolog reads and writes session logs.
//
// A session log is a directory holding a three-line "log" header, one file
// per recorded stream and a "timing" file. Each timing line is
//
//	index delay bytes
//
// where index names the stream file, delay is the number of seconds since
// the previous line and bytes is the size of the chunk that was written to
// that stream. Index 5 is a window resize and carries "rows cols" instead
// of a byte count.
package iolog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Stream identifies a recorded stream. The value is the timing index.
type Stream int

const (
	StreamStdin Stream = iota
	StreamStdout
	StreamStderr
	StreamTTYIn
	StreamTTYOut
	streamCount
)

// ResizeIndex is the timing index of a window size change.
const ResizeIndex = 5

// Names of the files inside a session directory.
const (
	InfoFile   = "log"
	TimingFile = "timing"
)

var streamNames = [streamCount]string{"stdin", "stdout", "stderr", "ttyin", "ttyout"}

// ErrNotFound is returned when a directory does not hold a session log.
var ErrNotFound = errors.New("session log not found")

// AllStreams lists every stream in timing index order.
func AllStreams() []Stream {
	return []Stream{StreamStdin, StreamStdout, StreamStderr, StreamTTYIn, StreamTTYOut}
}

func (s Stream) String() string {
	if s < 0 || s >= streamCount {
		return fmt.Sprintf("stream(%d)", int(s))
	}
	return streamNames[s]
}

// ParseStream maps a file name such as "ttyout" to its Stream.
func ParseStream(name string) (Stream, error) {
	for i, n := range streamNames {
		if n == name {
			return Stream(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stream %q", name)
}

// ParseStreams parses a list of stream names. An empty list means all.
func ParseStreams(names []string) ([]Stream, error) {
	if len(names) == 0 {
		return AllStreams(), nil
	}
	out := make([]Stream, 0, len(names))
	for _, n := range names {
		s, err := ParseStream(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Info is the session header stored in the "log" file.
type Info struct {
	Time       time.Time
	User       string
	RunAsUser  string
	RunAsGroup string
	TTY        string
	Rows       int
	Cols       int
	Cwd        string
	Command    string
}

// marshal renders the three header lines.
func (i Info) marshal() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(i.Time.Unix(), 10))
	for _, f := range []string{i.User, i.RunAsUser, i.RunAsGroup, i.TTY} {
		b.WriteByte(':')
		b.WriteString(f)
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(i.Rows))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(i.Cols))
	b.WriteByte('\n')
	b.WriteString(i.Cwd)
	b.WriteByte('\n')
	b.WriteString(i.Command)
	b.WriteByte('\n')
	return b.String()
}

func parseInfo(data string) (Info, error) {
	lines := strings.SplitN(strings.TrimRight(data, "\n"), "\n", 3)
	if len(lines) < 3 {
		return Info{}, fmt.Errorf("header has %d lines, want 3", len(lines))
	}
	fields := strings.Split(lines[0], ":")
	if len(fields) < 5 {
		return Info{}, fmt.Errorf("malformed header line %q", lines[0])
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("header timestamp: %w", err)
	}
	info := Info{
		Time:       time.Unix(secs, 0),
		User:       fields[1],
		RunAsUser:  fields[2],
		RunAsGroup: fields[3],
		TTY:        fields[4],
		Cwd:        lines[1],
		Command:    lines[2],
	}
	// rows and cols are optional
	if len(fields) >= 7 {
		if info.Rows, err = strconv.Atoi(fields[5]); err != nil {
			return Info{}, fmt.Errorf("header rows: %w", err)
		}
		if info.Cols, err = strconv.Atoi(fields[6]); err != nil {
			return Info{}, fmt.Errorf("header cols: %w", err)
		}
	}
	return info, nil
}

// ReadInfo loads the header of the session stored in dir.
func ReadInfo(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, fmt.Errorf("%s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return Info{}, err
	}
	info, err := parseInfo(string(data))
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", filepath.Join(dir, InfoFile), err)
	}
	return info, nil
}

// Event is one line of a timing file.
type Event struct {
	Stream Stream // undefined for resize events
	Resize bool
	Delay  time.Duration
	Bytes  int
	Rows   int
	Cols   int
}

// FormatEvent renders e as a timing line, including the trailing newline.
func FormatEvent(e Event) string {
	delay := strconv.FormatFloat(e.Delay.Seconds(), 'f', 6, 64)
	if e.Resize {
		return strconv.Itoa(ResizeIndex) + " " + delay + " " + strconv.Itoa(e.Rows) + " " + strconv.Itoa(e.Cols) + "\n"
	}
	return strconv.Itoa(int(e.Stream)) + " " + delay + " " + strconv.Itoa(e.Bytes) + "\n"
}

// ParseEvent parses one timing line.
func ParseEvent(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Event{}, fmt.Errorf("malformed timing line %q", line)
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return Event{}, fmt.Errorf("timing index %q: %w", fields[0], err)
	}
	secs, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || secs < 0 {
		return Event{}, fmt.Errorf("timing delay %q: invalid", fields[1])
	}
	e := Event{Delay: time.Duration(secs*1e6+0.5) * time.Microsecond}

	if idx == ResizeIndex {
		if len(fields) < 4 {
			return Event{}, fmt.Errorf("resize timing line %q needs rows and cols", line)
		}
		e.Resize = true
		if e.Rows, err = strconv.Atoi(fields[2]); err != nil {
			return Event{}, fmt.Errorf("resize rows: %w", err)
		}
		if e.Cols, err = strconv.Atoi(fields[3]); err != nil {
			return Event{}, fmt.Errorf("resize cols: %w", err)
		}
		return e, nil
	}
	if idx < 0 || idx >= int(streamCount) {
		return Event{}, fmt.Errorf("timing index %d out of range", idx)
	}
	e.Stream = Stream(idx)
	if e.Bytes, err = strconv.Atoi(fields[2]); err != nil || e.Bytes < 0 {
		return Event{}, fmt.Errorf("timing byte count %q: invalid", fields[2])
	}
	return e, nil
}

// scanTiming returns a scanner over timing lines.
func scanTiming(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256), 4096)
	return sc
}
