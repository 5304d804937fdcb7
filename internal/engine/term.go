package engine

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// termMode is the line discipline state of the user's terminal.
type termMode int

const (
	modeCooked termMode = iota
	modeRaw
)

func (m termMode) String() string {
	if m == modeRaw {
		return "raw"
	}
	return "cooked"
}

// withTTOUBlocked runs fn on a locked thread with SIGTTOU blocked, so
// terminal ioctls issued from a background process group succeed instead
// of stopping the process. Nothing is ignored process wide, so children
// still start with the default disposition.
func withTTOUBlocked(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set, old unix.Sigset_t
	set.Val[0] |= 1 << (uint(unix.SIGTTOU) - 1)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &old); err != nil {
		return fmt.Errorf("block SIGTTOU: %w", err)
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
	return fn()
}

// tcgetpgrp returns the foreground process group of the terminal on fd.
func tcgetpgrp(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCGPGRP)
}

// tcsetpgrp makes pgrp the foreground process group of the terminal on fd.
func tcsetpgrp(fd, pgrp int) error {
	return withTTOUBlocked(func() error {
		for {
			err := unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgrp)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
	})
}

// isForeground reports whether our process group owns the terminal on fd.
func isForeground(fd int) bool {
	pgrp, err := tcgetpgrp(fd)
	return err == nil && pgrp == unix.Getpgrp()
}

// userTerm tracks the invoking user's terminal and its mode.
type userTerm struct {
	file  *os.File
	fd    int
	orig  *term.State
	mode  termMode
	saved bool
}

// openUserTerm opens the controlling terminal. It returns nil when the
// process has none.
func openUserTerm() *userTerm {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		f.Close()
		return nil
	}
	t := &userTerm{file: f, fd: fd}
	if st, err := term.GetState(fd); err == nil {
		t.orig, t.saved = st, true
	}
	return t
}

func (t *userTerm) foreground() bool { return t != nil && isForeground(t.fd) }

// raw switches the terminal to raw mode.
func (t *userTerm) raw() error {
	if t == nil || t.mode == modeRaw {
		return nil
	}
	err := withTTOUBlocked(func() error {
		_, err := term.MakeRaw(t.fd)
		return err
	})
	if err != nil {
		return fmt.Errorf("set terminal raw: %w", err)
	}
	t.mode = modeRaw
	return nil
}

// cooked puts back the mode the terminal had when we started.
func (t *userTerm) cooked() error {
	if t == nil || t.mode == modeCooked {
		return nil
	}
	if t.saved {
		err := withTTOUBlocked(func() error { return term.Restore(t.fd, t.orig) })
		if err != nil {
			return fmt.Errorf("restore terminal: %w", err)
		}
	}
	t.mode = modeCooked
	return nil
}

func (t *userTerm) close() error {
	if t == nil {
		return nil
	}
	err := t.cooked()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// owns reports whether f is the very terminal device t was opened on.
// Any other terminal is just a file as far as the session is concerned.
func (t *userTerm) owns(f *os.File) bool {
	if t == nil || f == nil {
		return false
	}
	var st, ref unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return false
	}
	if err := unix.Fstat(t.fd, &ref); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFCHR && st.Rdev == ref.Rdev
}

// stopJob stops our whole process group, as a terminal stop would, and
// returns once something continues it.
func stopJob() error {
	return unix.Kill(-unix.Getpgrp(), unix.SIGSTOP)
}
