package iolog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func testInfo() Info {
	return Info{
		Time:       time.Unix(1700000000, 0),
		User:       "alice",
		RunAsUser:  "root",
		RunAsGroup: "root",
		TTY:        "/dev/pts/1",
		Rows:       24,
		Cols:       80,
		Cwd:        "/tmp",
		Command:    "/bin/echo hi",
	}
}

// recordSession writes a small fixed session and returns its directory.
func recordSession(t *testing.T, compress bool) string {
	t.Helper()
	base := t.TempDir()
	clock := &fakeClock{t: time.Unix(1700000000, 0), step: 250 * time.Millisecond}
	w, err := Create(Options{Dir: base, Compress: compress, Now: clock.now}, testInfo(), Vars{User: "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	steps := []func() error{
		func() error { return w.Write(StreamTTYOut, []byte("$ ")) },
		func() error { return w.Write(StreamTTYIn, []byte("ls\r")) },
		func() error { return w.Resize(30, 100) },
		func() error { return w.Write(StreamTTYOut, []byte("a  b  c\r\n")) },
		func() error { return w.Write(StreamStderr, []byte("warning\n")) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return w.Dir()
}

func TestCreateUsesSequenceLayout(t *testing.T) {
	base := t.TempDir()
	w, err := Create(Options{Dir: base}, testInfo(), Vars{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Close()

	if w.ID() != "00/00/01" {
		t.Errorf("ID = %q, want 00/00/01", w.ID())
	}
	for _, name := range []string{InfoFile, TimingFile, "stdin", "stdout", "stderr", "ttyin", "ttyout"} {
		if _, err := os.Stat(filepath.Join(base, "00/00/01", name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestCreateOnlyRequestedStreams(t *testing.T) {
	base := t.TempDir()
	w, err := Create(Options{Dir: base, File: "%{user}", Streams: []Stream{StreamTTYOut}}, testInfo(), Vars{User: "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !w.Logs(StreamTTYOut) || w.Logs(StreamTTYIn) {
		t.Error("unexpected stream selection")
	}
	if w.Action(StreamTTYIn) != nil {
		t.Error("Action for an unrecorded stream should be nil")
	}
	if err := w.Write(StreamTTYIn, []byte("secret")); err != nil {
		t.Errorf("Write to unrecorded stream: %v", err)
	}
	w.Close()

	if _, err := os.Stat(filepath.Join(base, "alice", "ttyin")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ttyin should not exist, stat err = %v", err)
	}
	timing, _ := os.ReadFile(filepath.Join(base, "alice", TimingFile))
	if len(timing) != 0 {
		t.Errorf("timing = %q, want empty", timing)
	}
}

func TestCreateTempSuffix(t *testing.T) {
	base := t.TempDir()
	w, err := Create(Options{Dir: base, File: "%{user}/sessXXXXXX"}, testInfo(), Vars{User: "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Close()
	if !strings.HasPrefix(w.ID(), "alice/sess") || strings.HasSuffix(w.ID(), "XXXXXX") {
		t.Errorf("ID = %q", w.ID())
	}
}

func TestWriterTimingFile(t *testing.T) {
	dir := recordSession(t, false)
	data, err := os.ReadFile(filepath.Join(dir, TimingFile))
	if err != nil {
		t.Fatal(err)
	}
	want := "4 0.250000 2\n" +
		"3 0.250000 3\n" +
		"5 0.250000 30 100\n" +
		"4 0.250000 9\n" +
		"2 0.250000 8\n"
	if string(data) != want {
		t.Errorf("timing =\n%s\nwant\n%s", data, want)
	}
	out, _ := os.ReadFile(filepath.Join(dir, "ttyout"))
	if string(out) != "$ a  b  c\r\n" {
		t.Errorf("ttyout = %q", out)
	}
}

func TestReaderWalksEvents(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			r, err := Open(recordSession(t, compress))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()

			if r.Info.User != "alice" || r.Info.Rows != 24 {
				t.Errorf("Info = %+v", r.Info)
			}
			var got []string
			for {
				e, err := r.NextEvent()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("NextEvent: %v", err)
				}
				if e.Resize {
					got = append(got, "resize")
					continue
				}
				b, err := r.Read(e.Stream, e.Bytes)
				if err != nil {
					t.Fatalf("Read: %v", err)
				}
				got = append(got, e.Stream.String()+":"+string(b))
			}
			want := []string{"ttyout:$ ", "ttyin:ls\r", "resize", "ttyout:a  b  c\r\n", "stderr:warning\n"}
			if strings.Join(got, "|") != strings.Join(want, "|") {
				t.Errorf("events = %q, want %q", got, want)
			}
		})
	}
}

func TestOpenMissingSession(t *testing.T) {
	_, err := Open(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(empty) = %v, want ErrNotFound", err)
	}
}

func TestPlayerIsDeterministic(t *testing.T) {
	dir := recordSession(t, false)

	play := func() (string, []time.Duration, [][2]int) {
		r, err := Open(dir)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer r.Close()
		var sleeps []time.Duration
		var sizes [][2]int
		p := Player{
			Speed:    2,
			Sleep:    func(d time.Duration) { sleeps = append(sleeps, d) },
			OnResize: func(rows, cols int) { sizes = append(sizes, [2]int{rows, cols}) },
		}
		var out bytes.Buffer
		if err := p.Play(context.Background(), r, &out); err != nil {
			t.Fatalf("Play: %v", err)
		}
		return out.String(), sleeps, sizes
	}

	out1, sleeps1, sizes1 := play()
	out2, sleeps2, sizes2 := play()

	if out1 != out2 {
		t.Errorf("replays differ: %q vs %q", out1, out2)
	}
	if out1 != "$ a  b  c\r\nwarning\n" {
		t.Errorf("output = %q", out1)
	}
	if len(sleeps1) != 5 || len(sleeps2) != 5 {
		t.Fatalf("sleeps = %v / %v", sleeps1, sleeps2)
	}
	for i := range sleeps1 {
		if sleeps1[i] != 125*time.Millisecond || sleeps1[i] != sleeps2[i] {
			t.Errorf("sleep %d = %v / %v, want 125ms", i, sleeps1[i], sleeps2[i])
		}
	}
	if len(sizes1) != 1 || sizes1[0] != [2]int{30, 100} || len(sizes2) != 1 {
		t.Errorf("resizes = %v / %v", sizes1, sizes2)
	}
}

func TestPlayerWaitCapsAndScales(t *testing.T) {
	p := Player{Speed: 4, MaxWait: time.Second}
	if got := p.Wait(2 * time.Second); got != 500*time.Millisecond {
		t.Errorf("Wait(2s) = %v", got)
	}
	if got := p.Wait(10 * time.Second); got != time.Second {
		t.Errorf("Wait(10s) = %v, want the cap", got)
	}
	var zero Player
	if got := zero.Wait(3 * time.Second); got != 3*time.Second {
		t.Errorf("zero-speed Wait = %v", got)
	}
}

func TestPlayerStopsOnCancel(t *testing.T) {
	r, err := Open(recordSession(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Player{Sleep: func(time.Duration) {}}
	if err := p.Play(ctx, r, io.Discard); !errors.Is(err, context.Canceled) {
		t.Errorf("Play = %v, want context.Canceled", err)
	}
}

func TestScreen(t *testing.T) {
	r, err := Open(recordSession(t, false))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	screen, err := Screen(context.Background(), r, false)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	lines := strings.Split(screen, "\n")
	if lines[0] != "$ a  b  c" {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(screen, "warning") {
		t.Errorf("screen missing stderr output:\n%s", screen)
	}
}
