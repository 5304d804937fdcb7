package engine

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"runas/internal/backchannel"
	"runas/internal/logging"
	"runas/internal/sigflags"
)

// monitor is the session leader that owns the pty slave as its
// controlling terminal and supervises the command.
type monitor struct {
	log  *logrus.Entry
	bc   *backchannel.Conn
	slot backchannel.StatusSlot
	tty  int
	spec monitorSpec

	pgrp     int // the monitor's own process group
	cmdPid   int
	cmdPgrp  int
	stopped  bool
	done     bool
	status   unix.WaitStatus
	peerGone bool

	killAt time.Time // SIGKILL deadline, zero when unset
}

// RunMonitor is the body of the hidden _monitor command. It expects the
// descriptor layout described by MonitorTable and returns the monitor's
// exit status.
func RunMonitor() int {
	for _, slot := range MonitorTable(stdioSources{}) {
		if slot.Fd > 2 {
			unix.CloseOnExec(slot.Fd)
		}
	}
	bc := backchannel.FromFile(os.NewFile(monitorBackchannelFd, "backchannel"))
	defer bc.Close()

	spec, err := readSpec(os.NewFile(monitorSpecFd, "spec"))
	if err != nil {
		bc.Send(backchannel.Errno(errnoOf(err)))
		return 1
	}
	log, closer, err := logging.New(spec.Log, nil, logging.RoleMonitor, spec.Session)
	if err != nil {
		log = logging.Discard()
	} else {
		defer closer.Close()
	}

	log.WithField("descriptors", MonitorTable(spec.Stdio)).Debug("session monitor starting")

	m := &monitor{log: log, bc: bc, tty: monitorTTYFd, spec: spec}
	return m.run()
}

func (m *monitor) run() int {
	// INIT
	if _, err := unix.Setsid(); err != nil {
		m.log.WithError(err).Error("create session")
		m.fail(err)
		return 1
	}
	if err := unix.IoctlSetInt(m.tty, unix.TIOCSCTTY, 0); err != nil {
		m.log.WithError(err).Error("acquire controlling terminal")
		m.fail(err)
		return 1
	}
	m.pgrp = unix.Getpgrp()

	w, err := sigflags.Watch(unix.SIGCHLD, unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
	if err != nil {
		m.fail(err)
		return 1
	}
	defer w.Stop()

	// SPAWNING
	stdio := [3]*os.File{os.Stdin, os.Stdout, os.Stderr}
	cmd := commandCmd(m.spec, stdio, m.tty)
	if err := cmd.Start(); err != nil {
		m.log.WithError(err).Warn("start command")
		m.fail(err)
		return 1
	}
	m.cmdPid = cmd.Process.Pid
	m.cmdPgrp = m.cmdPid
	cmd.Process.Release()
	m.log.WithFields(logrus.Fields{"pid": m.cmdPid, "foreground": m.spec.Foreground}).Debug("command started")
	detachStdio()

	// RUNNING
	for !m.done {
		fds := []unix.PollFd{{Fd: int32(w.WakeFd()), Events: unix.POLLIN}}
		if !m.peerGone {
			fds = append(fds, unix.PollFd{Fd: int32(m.bc.Fd()), Events: unix.POLLIN})
		}
		if _, err := unix.Poll(fds, m.pollTimeout()); err != nil && !errors.Is(err, unix.EINTR) {
			m.log.WithError(err).Error("poll")
			m.terminate(unix.SIGKILL)
		}

		if fds[0].Revents != 0 {
			for _, sig := range w.Acknowledge() {
				if sig == unix.SIGCHLD {
					m.reap()
					continue
				}
				m.log.WithField("signal", sig).Debug("signal received")
				m.deliver(sig)
			}
		}
		if len(fds) > 1 && fds[1].Revents != 0 {
			m.receive()
		}
		if !m.killAt.IsZero() && !time.Now().Before(m.killAt) {
			m.log.Warn("grace period expired, killing command")
			m.killAt = time.Time{}
			m.killpg(unix.SIGKILL)
		}
		// SIGCHLD can coalesce with the wakeup that is being handled
		m.reap()
	}

	// TERMINATING
	if err := tcsetpgrp(m.tty, m.pgrp); err != nil {
		m.log.WithError(err).Debug("reclaim pty")
	}
	if !m.peerGone {
		if _, err := m.slot.Send(m.bc, backchannel.WaitStatus(m.status)); err != nil {
			m.log.WithError(err).Warn("send final status")
		}
	}
	return 0
}

// fail reports a startup error to the orchestrator.
func (m *monitor) fail(err error) {
	if _, serr := m.slot.Send(m.bc, backchannel.Errno(errnoOf(err))); serr != nil {
		m.log.WithError(serr).Warn("send errno")
	}
}

func (m *monitor) pollTimeout() int {
	if m.killAt.IsZero() {
		return -1
	}
	d := time.Until(m.killAt)
	if d <= 0 {
		return 0
	}
	return int(d/time.Millisecond) + 1
}

// reap collects every pending status change of the command.
func (m *monitor) reap() {
	for !m.done {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(m.cmdPid, &ws, unix.WUNTRACED|unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid == 0 {
			return
		}
		switch {
		case ws.Stopped():
			m.stopped = true
			if pgrp, err := tcgetpgrp(m.tty); err == nil && pgrp != m.pgrp {
				m.cmdPgrp = pgrp
			}
			if err := tcsetpgrp(m.tty, m.pgrp); err != nil {
				m.log.WithError(err).Debug("reclaim pty")
			}
			m.log.WithField("signal", ws.StopSignal()).Debug("command stopped")
			if !m.peerGone {
				if _, err := m.slot.Send(m.bc, backchannel.WaitStatus(ws)); err != nil {
					m.log.WithError(err).Warn("send stop status")
				}
			}
		case ws.Exited(), ws.Signaled():
			m.log.WithField("status", backchannel.WaitStatus(ws).String()).Debug("command finished")
			m.status = ws
			m.done = true
		}
	}
}

// receive handles one record from the orchestrator.
func (m *monitor) receive() {
	rec, err := m.bc.Recv()
	if errors.Is(err, unix.EAGAIN) {
		return
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			m.log.WithError(err).Warn("back-channel")
		}
		// Without an orchestrator nobody can resume or report; hang up.
		m.peerGone = true
		m.terminate(unix.SIGHUP)
		return
	}
	if rec.Kind != backchannel.KindSignal {
		m.log.WithField("record", rec.String()).Warn("unexpected record")
		return
	}
	m.log.WithField("signal", rec.Signo()).Debug("relayed signal")
	m.deliver(rec.Signo())
}

// deliver acts on a signal meant for the command.
func (m *monitor) deliver(sig syscall.Signal) {
	switch {
	case sig == unix.SIGUSR1:
		m.resume(m.cmdPgrp)
	case sig == unix.SIGUSR2:
		m.resume(m.pgrp)
	case fatal(sig):
		m.terminate(sig)
	default:
		m.killpg(sig)
	}
}

// resume hands the pty to owner and continues a stopped command.
func (m *monitor) resume(owner int) {
	if !m.stopped {
		m.log.Debug("continue ignored, command is not stopped")
		return
	}
	if err := tcsetpgrp(m.tty, owner); err != nil {
		m.log.WithError(err).Debug("set pty foreground")
	}
	m.stopped = false
	m.killpg(unix.SIGCONT)
}

// terminate sends sig and arms the SIGKILL fallback.
func (m *monitor) terminate(sig syscall.Signal) {
	m.killpg(sig)
	if sig == unix.SIGKILL {
		return
	}
	if m.stopped {
		// a stopped process acts on the signal only once continued
		m.stopped = false
		m.killpg(unix.SIGCONT)
	}
	if m.killAt.IsZero() {
		m.killAt = time.Now().Add(m.spec.KillGrace)
	}
}

func (m *monitor) killpg(sig syscall.Signal) {
	if m.cmdPgrp <= 0 {
		return
	}
	if err := unix.Kill(-m.cmdPgrp, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		m.log.WithError(err).WithField("signal", sig).Warn("signal command")
	}
}

// detachStdio points the monitor's standard descriptors at /dev/null so
// the command's streams see EOF as soon as the command lets go of them.
func detachStdio() {
	null, err := unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return
	}
	for fd := 0; fd <= 2; fd++ {
		unix.Dup3(null, fd, 0)
	}
	unix.Close(null)
}
