package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"runas/internal/sigflags"
)

// direct supervises a command started without a pty. The command shares
// the user's terminal and runs in its own process group, so its stops are
// mirrored by stopping the orchestrator too.
type direct struct {
	d   *Details
	log logrus.FieldLogger
	tty *userTerm

	pid     int
	pgrp    int
	stopped bool
	done    bool
	status  unix.WaitStatus
	killAt  time.Time
}

func runDirect(d *Details) (Result, error) {
	x := &direct{d: d, log: d.Logger, tty: openUserTerm()}
	defer x.tty.close()

	w, err := sigflags.Watch(append([]os.Signal{unix.SIGCHLD}, forwarded...)...)
	if err != nil {
		return Result{Errno: errnoOf(err)}, err
	}
	defer w.Stop()

	fg := x.tty.foreground()
	cmd := &exec.Cmd{
		Path:   d.Path,
		Args:   d.Argv,
		Env:    d.Env,
		Dir:    d.Dir,
		Stdin:  d.Stdin,
		Stdout: d.Stdout,
		Stderr: d.Stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid:    true,
			Foreground: fg,
			Credential: d.Credential,
		},
	}
	if fg {
		cmd.SysProcAttr.Ctty = x.tty.fd
	}
	if err := cmd.Start(); err != nil {
		x.log.WithError(err).Warn("start command")
		return Result{Errno: errnoOf(err)}, nil
	}
	x.pid, x.pgrp = cmd.Process.Pid, cmd.Process.Pid
	cmd.Process.Release()
	x.log.WithFields(logrus.Fields{"pid": x.pid, "foreground": fg}).Debug("command started")

	for !x.done {
		fds := []unix.PollFd{{Fd: int32(w.WakeFd()), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, x.pollTimeout()); err != nil && !errors.Is(err, unix.EINTR) {
			x.log.WithError(err).Error("poll")
			x.killpg(unix.SIGKILL)
		}
		if fds[0].Revents != 0 {
			for _, sig := range w.Acknowledge() {
				if sig == unix.SIGCHLD {
					x.reap()
					continue
				}
				x.log.WithField("signal", sig).Debug("forwarding signal")
				x.forward(sig)
			}
		}
		if !x.killAt.IsZero() && !time.Now().Before(x.killAt) {
			x.log.Warn("grace period expired, killing command")
			x.killAt = time.Time{}
			x.killpg(unix.SIGKILL)
		}
		x.reap()
	}

	x.reclaim()
	return Result{Status: x.status}, nil
}

func (x *direct) pollTimeout() int {
	if x.killAt.IsZero() {
		return -1
	}
	d := time.Until(x.killAt)
	if d <= 0 {
		return 0
	}
	return int(d/time.Millisecond) + 1
}

func (x *direct) forward(sig syscall.Signal) {
	x.killpg(sig)
	if !fatal(sig) {
		return
	}
	if x.stopped {
		x.stopped = false
		x.killpg(unix.SIGCONT)
	}
	if x.killAt.IsZero() {
		x.killAt = time.Now().Add(x.d.KillGrace)
	}
}

func (x *direct) reap() {
	for !x.done {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(x.pid, &ws, unix.WUNTRACED|unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid == 0 {
			return
		}
		switch {
		case ws.Stopped():
			x.suspend(ws.StopSignal())
		case ws.Exited(), ws.Signaled():
			x.status = ws
			x.done = true
		}
	}
}

// suspend mirrors a command stop. A command stopped for terminal access
// while we hold the foreground is handed the terminal and continued
// straight away.
func (x *direct) suspend(sig syscall.Signal) {
	x.log.WithField("signal", sig).Debug("command stopped")
	if (sig == unix.SIGTTIN || sig == unix.SIGTTOU) && x.tty.foreground() {
		x.continueCommand()
		return
	}
	x.stopped = true
	x.reclaim()

	if err := stopJob(); err != nil {
		x.log.WithError(err).Warn("suspend")
	}
	x.log.Debug("resumed")
	x.continueCommand()
}

// continueCommand gives the terminal to the command when we own it, then
// continues the command's process group.
func (x *direct) continueCommand() {
	if x.tty.foreground() {
		if err := tcsetpgrp(x.tty.fd, x.pgrp); err != nil {
			x.log.WithError(err).Debug("give terminal to command")
		}
	}
	x.stopped = false
	x.killpg(unix.SIGCONT)
}

// reclaim takes the terminal back from the command's process group.
func (x *direct) reclaim() {
	if x.tty == nil {
		return
	}
	if pgrp, err := tcgetpgrp(x.tty.fd); err != nil || pgrp != x.pgrp {
		return
	}
	if err := tcsetpgrp(x.tty.fd, unix.Getpgrp()); err != nil {
		x.log.WithError(err).Debug("reclaim terminal")
	}
}

func (x *direct) killpg(sig syscall.Signal) {
	if x.pgrp <= 0 {
		return
	}
	if err := unix.Kill(-x.pgrp, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		x.log.WithError(err).WithField("signal", sig).Warn("signal command")
	}
}
