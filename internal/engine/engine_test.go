package engine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"runas/internal/logging"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want int
	}{
		{"exit 0", Result{Status: exitedStatus(0)}, 0},
		{"exit 3", Result{Status: exitedStatus(3)}, 3},
		{"exit 255", Result{Status: exitedStatus(255)}, 255},
		{"killed by TERM", Result{Status: signaledStatus(unix.SIGTERM)}, 0x80 | 15},
		{"killed by KILL", Result{Status: signaledStatus(unix.SIGKILL)}, 137},
		{"not executed", Result{Errno: unix.ENOENT}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestResultStarted(t *testing.T) {
	if !(Result{Status: exitedStatus(1)}).Started() {
		t.Error("a command with an exit status was started")
	}
	if (Result{Errno: unix.EACCES}).Started() {
		t.Error("a command with an errno never started")
	}
}

func TestStatusBuilders(t *testing.T) {
	ws := signaledStatus(unix.SIGHUP)
	if !ws.Signaled() || ws.Signal() != unix.SIGHUP {
		t.Errorf("signaledStatus(SIGHUP) = %#x", uint32(ws))
	}
	ws = exitedStatus(42)
	if !ws.Exited() || ws.ExitStatus() != 42 {
		t.Errorf("exitedStatus(42) = %#x", uint32(ws))
	}
}

func TestErrnoOf(t *testing.T) {
	wrapped := fmt.Errorf("start: %w", &os.PathError{Op: "fork/exec", Path: "/x", Err: unix.EACCES})
	if got := errnoOf(wrapped); got != unix.EACCES {
		t.Errorf("errnoOf(wrapped EACCES) = %v", got)
	}
	if got := errnoOf(errors.New("no errno here")); got != unix.ENOEXEC {
		t.Errorf("errnoOf(plain) = %v, want ENOEXEC", got)
	}
}

func TestFatal(t *testing.T) {
	for _, sig := range []syscall.Signal{unix.SIGHUP, unix.SIGTERM, unix.SIGKILL} {
		if !fatal(sig) {
			t.Errorf("fatal(%v) = false", sig)
		}
	}
	for _, sig := range []syscall.Signal{unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP, unix.SIGUSR1} {
		if fatal(sig) {
			t.Errorf("fatal(%v) = true", sig)
		}
	}
}

func TestDetailsDefaults(t *testing.T) {
	d := Details{Path: "/bin/true"}
	d.defaults()
	if d.Stdin != os.Stdin || d.Stdout != os.Stdout || d.Stderr != os.Stderr {
		t.Error("stdio should default to the process's own")
	}
	if d.KillGrace != DefaultKillGrace {
		t.Errorf("KillGrace = %v", d.KillGrace)
	}
	if !reflect.DeepEqual(d.Argv, []string{"/bin/true"}) {
		t.Errorf("Argv = %v", d.Argv)
	}
	if d.targetUID() != os.Getuid() {
		t.Errorf("targetUID() = %d without a credential", d.targetUID())
	}
	d.Credential = &syscall.Credential{Uid: 4242}
	if d.targetUID() != 4242 {
		t.Errorf("targetUID() = %d", d.targetUID())
	}
}

func TestMonitorCmdFollowsTable(t *testing.T) {
	open := func(name string) *os.File {
		f, err := os.CreateTemp(t.TempDir(), name)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { f.Close() })
		return f
	}
	files := monitorFiles{
		stdio:       [3]*os.File{open("in"), open("out"), open("err")},
		sources:     stdioSources{SourcePty, SourcePipe, SourcePty},
		backchannel: open("bc"),
		tty:         open("tty"),
		spec:        open("spec"),
	}
	cmd, err := monitorCmd([]string{"/bin/true", "_monitor"}, files)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Args[1] != "_monitor" {
		t.Errorf("Args = %v", cmd.Args)
	}

	table := MonitorTable(files.sources)
	if got, want := 3+len(cmd.ExtraFiles), len(table); got != want {
		t.Fatalf("monitor gets %d descriptors, table lists %d", got, want)
	}
	stdio := []any{cmd.Stdin, cmd.Stdout, cmd.Stderr}
	for _, slot := range table {
		want := files.at(slot.Fd)
		if want == nil {
			t.Errorf("slot %d (%s) has no file", slot.Fd, slot.Name)
			continue
		}
		var got any
		if slot.Fd < 3 {
			got = stdio[slot.Fd]
		} else {
			got = cmd.ExtraFiles[slot.Fd-3]
		}
		if got != want {
			t.Errorf("descriptor %d (%s) = %v, want %s", slot.Fd, slot.Name, got, want.Name())
		}
	}
	if table[1].Name != "stdout pipe" || table[0].Name != "stdin pty" {
		t.Errorf("MonitorTable = %v", table)
	}
	if cmdTable := CommandTable(files.sources); len(cmdTable) != 3 || cmdTable[2].Fd != 2 {
		t.Errorf("CommandTable = %v, want only the standard streams", cmdTable)
	}
}

func TestMonitorCmdDefaultsToSelf(t *testing.T) {
	cmd, err := monitorCmd(nil, monitorFiles{})
	if err != nil {
		t.Fatal(err)
	}
	exe, _ := os.Executable()
	if cmd.Path != exe || len(cmd.Args) != 2 || cmd.Args[1] != "_monitor" {
		t.Errorf("monitor re-exec = %s %v", cmd.Path, cmd.Args)
	}
}

func TestSpecRoundTrip(t *testing.T) {
	d := &Details{
		Path:       "/bin/echo",
		Argv:       []string{"echo", "hi"},
		Env:        []string{"PATH=/bin"},
		Dir:        "/tmp",
		Credential: &syscall.Credential{Uid: 1000, Gid: 1000, Groups: []uint32{27, 100}},
		KillGrace:  3 * time.Second,
		Session:    "abc",
		LogOptions: logging.Options{Level: "debug", Format: "json"},
	}
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- writeSpec(w, newMonitorSpec(d, true, stdioSources{SourcePty, SourcePipe, SourcePipe})) }()

	spec, err := readSpec(r)
	if err != nil {
		t.Fatalf("readSpec: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeSpec: %v", err)
	}
	if spec.Path != d.Path || !reflect.DeepEqual(spec.Argv, d.Argv) || spec.Dir != d.Dir {
		t.Errorf("spec = %+v", spec)
	}
	if !spec.Foreground || spec.KillGrace != d.KillGrace || spec.Session != "abc" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Stdio != (stdioSources{SourcePty, SourcePipe, SourcePipe}) {
		t.Errorf("stdio sources = %v", spec.Stdio)
	}
	if spec.Log.Level != "debug" || spec.Log.Format != "json" {
		t.Errorf("log options = %+v", spec.Log)
	}
	if !reflect.DeepEqual(spec.Credential.syscall(), d.Credential) {
		t.Errorf("credential = %+v", spec.Credential.syscall())
	}
}

func TestReadSpecRejectsEmpty(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	go writeSpec(w, monitorSpec{})
	if _, err := readSpec(r); err == nil {
		t.Error("a spec without a command should be rejected")
	}
}

func TestCommandCmd(t *testing.T) {
	spec := monitorSpec{Path: "/bin/sh", Argv: []string{"sh", "-c", "true"}, Foreground: true}
	cmd := commandCmd(spec, [3]*os.File{}, monitorTTYFd)
	attr := cmd.SysProcAttr
	if !attr.Setpgid || !attr.Foreground || attr.Ctty != monitorTTYFd {
		t.Errorf("SysProcAttr = %+v", attr)
	}
	if attr.Credential != nil {
		t.Error("no credential should keep the monitor's identity")
	}

	spec.Foreground = false
	spec.Credential = &credential{UID: 1, GID: 2}
	attr = commandCmd(spec, [3]*os.File{}, monitorTTYFd).SysProcAttr
	if attr.Foreground || attr.Ctty != 0 {
		t.Errorf("background command SysProcAttr = %+v", attr)
	}
	if attr.Credential == nil || attr.Credential.Uid != 1 || attr.Credential.Gid != 2 {
		t.Errorf("Credential = %+v", attr.Credential)
	}
}

func TestTermModeString(t *testing.T) {
	if modeRaw.String() != "raw" || modeCooked.String() != "cooked" {
		t.Errorf("modes = %s, %s", modeRaw, modeCooked)
	}
}

func TestNilUserTerm(t *testing.T) {
	var u *userTerm
	if u.foreground() {
		t.Error("no terminal is never foreground")
	}
	if err := u.raw(); err != nil {
		t.Error(err)
	}
	if err := u.cooked(); err != nil {
		t.Error(err)
	}
	if err := u.close(); err != nil {
		t.Error(err)
	}
}

func TestRunDirect(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	tests := []struct {
		script string
		want   int
	}{
		{"exit 0", 0},
		{"exit 5", 5},
		{"kill -TERM $$", 0x80 | 15},
	}
	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			stdio := pipeStdio(t)
			res, err := Run(Details{
				Path:   sh,
				Argv:   []string{"sh", "-c", tt.script},
				Env:    []string{"PATH=/usr/bin:/bin"},
				Stdin:  stdio.stdin,
				Stdout: stdio.stdout,
				Stderr: stdio.stderr,
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := res.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunDirectNotFound(t *testing.T) {
	stdio := pipeStdio(t)
	res, err := Run(Details{
		Path:   "/nonexistent/runas-test",
		Stdin:  stdio.stdin,
		Stdout: stdio.stdout,
		Stderr: stdio.stderr,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Started() || res.Errno != unix.ENOENT {
		t.Errorf("Result = %+v, want ENOENT", res)
	}
	if res.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d", res.ExitCode())
	}
}
