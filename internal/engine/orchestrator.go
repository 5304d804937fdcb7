package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"runas/internal/backchannel"
	"runas/internal/iolog"
	"runas/internal/ptyalloc"
	"runas/internal/relay"
	"runas/internal/sigflags"
)

// jobState is the orchestrator's view of job control. Only the main loop
// touches it.
type jobState struct {
	foreground bool
	pipeline   bool
}

type orchestrator struct {
	d     *Details
	log   logrus.FieldLogger
	tty   *userTerm
	pty   *ptyalloc.Pair
	relay *relay.Relay
	bc    *backchannel.Conn
	w     *sigflags.Watcher
	job   jobState
	final backchannel.Final

	monitor *exec.Cmd
	poll    func(fds []unix.PollFd, timeout int) (int, error)
	// ttyIn is set when the user's terminal feeds the pty.
	ttyIn bool
	// killSent guards against repeating a relay-error teardown.
	killSent bool
}

func runPty(d *Details) (Result, error) {
	o := &orchestrator{d: d, log: d.Logger, poll: unix.Poll}
	defer o.cleanup()

	if err := o.setup(); err != nil {
		return Result{Errno: errnoOf(err)}, err
	}
	o.loop()
	return o.finish(), nil
}

func (o *orchestrator) setup() error {
	d := o.d
	o.tty = openUserTerm()
	o.job.foreground = o.tty.foreground()

	pair, err := ptyalloc.Acquire(d.targetUID())
	if errors.Is(err, ptyalloc.ErrOwnership) {
		o.log.WithError(err).Warn("continuing with default pty ownership")
	} else if err != nil {
		return err
	}
	o.pty = pair
	if o.tty != nil {
		if err := ptyalloc.CopyTerminal(o.tty.file, pair.Slave); err != nil {
			o.log.WithError(err).Debug("copy terminal settings")
		}
	}

	o.relay = relay.New(o.log)
	stdio, sources, err := o.streams()
	if err != nil {
		return err
	}
	// output that bypasses the terminal means we are part of a pipeline:
	// the command starts in the pty's background until it asks for the
	// terminal
	o.job.pipeline = sources[1] != SourcePty

	local, remote, err := backchannel.Pair()
	if err != nil {
		return err
	}
	o.bc = local
	specR, specW, err := os.Pipe()
	if err != nil {
		remote.Close()
		return fmt.Errorf("create spec pipe: %w", err)
	}

	o.w, err = sigflags.Watch(append([]os.Signal{unix.SIGWINCH}, forwarded...)...)
	if err != nil {
		remote.Close()
		specR.Close()
		specW.Close()
		return err
	}

	cmd, err := monitorCmd(d.MonitorArgv, monitorFiles{
		stdio:       stdio,
		sources:     sources,
		backchannel: remote.File(),
		tty:         pair.Slave,
		spec:        specR,
	})
	if err == nil {
		err = cmd.Start()
	}
	// the monitor owns its copies now
	remote.Close()
	specR.Close()
	pair.CloseSlave()
	for i, f := range stdio {
		if sources[i] == SourcePipe {
			f.Close()
		}
	}
	if err != nil {
		specW.Close()
		return fmt.Errorf("start session monitor: %w", err)
	}
	o.monitor = cmd
	o.log.WithFields(logrus.Fields{
		"monitor":    cmd.Process.Pid,
		"foreground": o.job.foreground,
		"pipeline":   o.job.pipeline,
		"stdio":      sources,
	}).Debug("session monitor started")

	commandFg := o.job.foreground && !o.job.pipeline
	if err := writeSpec(specW, newMonitorSpec(d, commandFg, sources)); err != nil {
		o.log.WithError(err).Warn("monitor did not take its spec")
	}

	if commandFg {
		if err := o.tty.raw(); err != nil {
			o.log.WithError(err).Warn("raw mode")
		}
	} else if o.ttyIn {
		o.relay.Pause(relay.TTYIn)
	}
	return nil
}

// streams wires the relay and returns the command's standard streams.
// Streams on the user's terminal are replaced by the pty slave, everything
// else (other terminals included) goes through a pipe so it can be logged.
func (o *orchestrator) streams() ([3]*os.File, stdioSources, error) {
	d := o.d
	var stdio [3]*os.File
	var sources stdioSources
	master := relay.Borrowed(o.pty.Master)
	action := func(s iolog.Stream) relay.Action {
		if d.Log == nil {
			return nil
		}
		return d.Log.Action(s)
	}

	if o.tty != nil {
		user := relay.Borrowed(o.tty.file)
		if err := o.relay.Add(relay.TTYIn, user, master, action(iolog.StreamTTYIn)); err != nil {
			return stdio, sources, err
		}
		if err := o.relay.Add(relay.TTYOut, master, user, action(iolog.StreamTTYOut)); err != nil {
			return stdio, sources, err
		}
		o.ttyIn = true
	} else if err := o.relay.Add(relay.TTYOut, master, nil, action(iolog.StreamTTYOut)); err != nil {
		return stdio, sources, err
	}

	type pipeStream struct {
		user   *os.File
		role   relay.StreamRole
		stream iolog.Stream
		input  bool
	}
	streams := [3]pipeStream{
		{d.Stdin, relay.Stdin, iolog.StreamStdin, true},
		{d.Stdout, relay.Stdout, iolog.StreamStdout, false},
		{d.Stderr, relay.Stderr, iolog.StreamStderr, false},
	}
	for i, s := range streams {
		if o.tty.owns(s.user) {
			stdio[i], sources[i] = o.pty.Slave, SourcePty
			continue
		}
		r, w, err := os.Pipe()
		if err != nil {
			return stdio, sources, fmt.Errorf("create %s pipe: %w", s.role, err)
		}
		if s.input {
			err = o.relay.Add(s.role, relay.Borrowed(s.user), relay.Owned(w), action(s.stream))
			stdio[i] = r
		} else {
			err = o.relay.Add(s.role, relay.Owned(r), relay.Borrowed(s.user), action(s.stream))
			stdio[i] = w
		}
		if err != nil {
			return stdio, sources, err
		}
		sources[i] = SourcePipe
	}
	return stdio, sources, nil
}

func (o *orchestrator) loop() {
	for {
		fds := o.relay.PollFds()
		n := len(fds)
		fds = append(fds,
			unix.PollFd{Fd: int32(o.bc.Fd()), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(o.w.WakeFd()), Events: unix.POLLIN},
		)
		if _, err := o.poll(fds, -1); err != nil && !errors.Is(err, unix.EINTR) {
			o.log.WithError(err).Error("poll")
			o.teardown()
			return
		}

		if errs := o.relay.Dispatch(fds[:n]); errs > 0 {
			o.log.WithField("errors", errs).Warn("relay failed, ending session")
			o.teardown()
		}
		if fds[n+1].Revents != 0 {
			o.signals(o.w.Acknowledge())
		}
		if fds[n].Revents != 0 {
			if done := o.receive(); done {
				return
			}
		}
	}
}

// teardown asks the monitor to end the command once.
func (o *orchestrator) teardown() {
	if o.killSent {
		return
	}
	o.killSent = true
	o.send(unix.SIGTERM)
}

func (o *orchestrator) send(sig syscall.Signal) {
	if err := o.bc.Send(backchannel.Signal(sig)); err != nil {
		o.log.WithError(err).WithField("signal", sig).Debug("relay signal")
	}
}

func (o *orchestrator) signals(sigs []syscall.Signal) {
	for _, sig := range sigs {
		switch sig {
		case unix.SIGWINCH:
			o.resize()
		default:
			o.log.WithField("signal", sig).Debug("forwarding signal")
			o.send(sig)
		}
	}
}

// resize copies the user's window size to the pty and records it.
func (o *orchestrator) resize() {
	if o.tty == nil {
		return
	}
	rows, cols, err := o.pty.SyncSize(o.tty.file)
	if err != nil {
		o.log.WithError(err).Debug("resize")
		return
	}
	if o.d.Log != nil {
		if err := o.d.Log.Resize(rows, cols); err != nil {
			o.log.WithError(err).Debug("log resize")
		}
	}
}

// receive handles one back-channel record and reports whether the
// session is over.
func (o *orchestrator) receive() bool {
	rec, err := o.bc.Recv()
	if errors.Is(err, unix.EAGAIN) {
		return false
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			o.log.WithError(err).Warn("back-channel")
		}
		return true
	}
	o.log.WithField("record", rec.String()).Debug("status from monitor")

	switch rec.Kind {
	case backchannel.KindErrno:
		o.final.Offer(rec)
		return true
	case backchannel.KindWaitStatus:
		if o.final.Offer(rec) {
			return true
		}
		if rec.Status().Stopped() {
			o.send(o.suspend(rec.Status().StopSignal()))
		}
	}
	return false
}

// suspend mirrors a command stop in the orchestrator and returns the
// continue signal for the monitor: SIGUSR1 to resume in the foreground,
// SIGUSR2 in the background.
func (o *orchestrator) suspend(sig syscall.Signal) syscall.Signal {
	if (sig == unix.SIGTTIN || sig == unix.SIGTTOU) && o.tty != nil {
		if !o.job.foreground {
			o.job.foreground = o.tty.foreground()
		}
		if o.job.foreground {
			// the command wants the terminal and we can hand it over
			if err := o.tty.raw(); err != nil {
				o.log.WithError(err).Warn("raw mode")
			}
			o.resumeInput()
			return unix.SIGUSR1
		}
	}

	if errs := o.relay.Flush(flushTimeout); errs > 0 {
		o.log.WithField("errors", errs).Debug("flush before suspend")
	}
	if err := o.tty.cooked(); err != nil {
		o.log.WithError(err).Warn("restore terminal before suspend")
	}
	if o.ttyIn {
		o.relay.Pause(relay.TTYIn)
	}

	o.log.WithField("signal", sig).Debug("suspending")
	if err := stopJob(); err != nil {
		o.log.WithError(err).Warn("suspend")
	}
	o.log.Debug("resumed")

	o.job.foreground = o.tty.foreground()
	if o.job.foreground {
		if err := o.tty.raw(); err != nil {
			o.log.WithError(err).Warn("raw mode")
		}
		o.resumeInput()
		return unix.SIGUSR1
	}
	return unix.SIGUSR2
}

func (o *orchestrator) resumeInput() {
	if o.ttyIn {
		o.relay.Resume(relay.TTYIn)
	}
}

// finish drains the remaining output, reaps the monitor and works out how
// the command ended.
func (o *orchestrator) finish() Result {
	o.drain()

	var monitorState *os.ProcessState
	if o.monitor != nil {
		o.monitor.Wait()
		monitorState = o.monitor.ProcessState
	}

	rec, ok := o.final.Get()
	switch {
	case ok && rec.Kind == backchannel.KindErrno:
		return Result{Errno: syscall.Errno(rec.Value)}
	case ok:
		return Result{Status: rec.Status()}
	}

	// the monitor went away without a verdict
	if monitorState != nil {
		if ws, ok := monitorState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			o.log.WithField("signal", ws.Signal()).Warn("session monitor was killed")
			return Result{Status: signaledStatus(ws.Signal())}
		}
	}
	o.log.Warn("session monitor exited without a status")
	return Result{Status: exitedStatus(1)}
}

// drain relays command output until every output stream has reached EOF
// and been written out, or flushTimeout passes. Pty output can trail the
// exit status, so reading until EAGAIN is not enough.
func (o *orchestrator) drain() {
	o.relay.Pause(relay.TTYIn)
	o.relay.Pause(relay.Stdin)
	deadline := time.Now().Add(flushTimeout)
	for o.relay.Open(relay.TTYOut) || o.relay.Open(relay.Stdout) || o.relay.Open(relay.Stderr) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			o.log.WithField("pending", o.relay.Pending(relay.TTYOut)+o.relay.Pending(relay.Stdout)+o.relay.Pending(relay.Stderr)).
				Debug("output still open at teardown")
			return
		}
		fds := o.relay.PollFds()
		if len(fds) == 0 {
			return
		}
		if _, err := o.poll(fds, int(remaining/time.Millisecond)+1); err != nil && !errors.Is(err, unix.EINTR) {
			return
		}
		if errs := o.relay.Dispatch(fds); errs > 0 {
			o.log.WithField("errors", errs).Debug("relay error while draining")
		}
	}
}

func (o *orchestrator) cleanup() {
	if o.w != nil {
		o.w.Stop()
	}
	if o.relay != nil {
		o.relay.Close()
	}
	if err := o.tty.close(); err != nil {
		o.log.WithError(err).Warn("restore terminal")
	}
	if o.pty != nil {
		o.pty.Close()
	}
	if o.bc != nil {
		o.bc.Close()
	}
}
