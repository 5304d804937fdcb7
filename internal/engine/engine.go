// Package engine runs a command as another identity while keeping the
// invoking terminal's job control intact.
//
// With a pty (use_pty or session logging) three processes are involved:
// the orchestrator owns the user's terminal and relays I/O, the session
// monitor leads a new session on the pty, and the command runs in its own
// process group under the monitor. They talk over a back-channel of
// fixed-size records. Without a pty the orchestrator starts the command
// directly and mirrors its stops.
package engine

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"runas/internal/iolog"
	"runas/internal/logging"
)

// DefaultKillGrace is how long a command gets between a termination
// signal and SIGKILL.
const DefaultKillGrace = 2 * time.Second

// flushTimeout bounds how long pending output is drained before a
// suspend and at teardown.
const flushTimeout = 2 * time.Second

// Details describe a command that policy has already approved.
type Details struct {
	Path       string   // resolved executable
	Argv       []string // argv[0] included
	Env        []string
	Dir        string
	Credential *syscall.Credential // nil keeps the current identity

	UsePty    bool
	KillGrace time.Duration

	// Log records the session. A non-nil writer forces pty mode.
	Log *iolog.Writer

	// Stdio of the session; nil means the process's own.
	Stdin, Stdout, Stderr *os.File

	Logger logrus.FieldLogger
	// Session and LogOptions are handed to the monitor so its diagnostics
	// join the orchestrator's.
	Session    string
	LogOptions logging.Options

	// MonitorArgv re-executes this binary as the session monitor. Empty
	// means os.Executable() followed by "_monitor".
	MonitorArgv []string
}

func (d *Details) defaults() {
	if d.Stdin == nil {
		d.Stdin = os.Stdin
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	if d.KillGrace <= 0 {
		d.KillGrace = DefaultKillGrace
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if len(d.Argv) == 0 {
		d.Argv = []string{d.Path}
	}
}

func (d *Details) targetUID() int {
	if d.Credential != nil {
		return int(d.Credential.Uid)
	}
	return os.Getuid()
}

// Result is how a session ended.
type Result struct {
	// Errno is set when the command never started.
	Errno syscall.Errno
	// Status is the command's final wait status.
	Status unix.WaitStatus
}

// Started reports whether the command was executed.
func (r Result) Started() bool { return r.Errno == 0 }

// ExitCode maps the result onto a process exit status: the command's own
// exit code, 0x80|signal when it was killed, 1 when it never ran.
func (r Result) ExitCode() int {
	switch {
	case r.Errno != 0:
		return 1
	case r.Status.Signaled():
		return 0x80 | int(r.Status.Signal())
	case r.Status.Exited():
		return r.Status.ExitStatus()
	}
	return 1
}

// Run executes d and waits for it to finish. Errors are setup failures in
// the orchestrator itself; a command that could not be executed is
// reported through Result.Errno.
func Run(d Details) (Result, error) {
	d.defaults()
	if d.UsePty || d.Log != nil {
		return runPty(&d)
	}
	return runDirect(&d)
}

// forwarded are the signals relayed to the command.
var forwarded = []os.Signal{unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGTSTP}

// fatal reports whether sig should end the command, with SIGKILL as a
// fallback once the grace period expires.
func fatal(sig syscall.Signal) bool {
	switch sig {
	case unix.SIGHUP, unix.SIGTERM, unix.SIGKILL:
		return true
	}
	return false
}

// errnoOf extracts the errno behind a failed start.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.ENOEXEC
}

// signaledStatus builds a wait status for death by sig.
func signaledStatus(sig syscall.Signal) unix.WaitStatus { return unix.WaitStatus(sig & 0x7f) }

// exitedStatus builds a wait status for a normal exit.
func exitedStatus(code int) unix.WaitStatus { return unix.WaitStatus((code & 0xff) << 8) }
