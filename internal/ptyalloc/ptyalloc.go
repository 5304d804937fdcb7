// Package ptyalloc allocates the pseudo-terminal a session runs on.
package ptyalloc

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrOwnership is wrapped by Acquire when the pair was allocated but the
// slave could not be handed to the target user. The pair is still usable.
var ErrOwnership = errors.New("set pty slave ownership")

// Pair is an allocated master/slave pty pair.
type Pair struct {
	Master *os.File
	Slave  *os.File
	Path   string // slave pathname, e.g. /dev/pts/4
}

// Acquire allocates a pty pair and gives the slave to targetUID and the
// "tty" group when that group exists.
func Acquire(targetUID int) (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}
	p := &Pair{Master: master, Slave: slave, Path: slave.Name()}

	gid := ttyGroup()
	if err := unix.Fchown(int(slave.Fd()), targetUID, gid); err != nil {
		return p, fmt.Errorf("%w: chown %s to %d:%d: %v", ErrOwnership, p.Path, targetUID, gid, err)
	}
	return p, nil
}

// ttyGroup resolves the "tty" group, or -1 to leave the group unchanged.
func ttyGroup() int {
	g, err := user.LookupGroup("tty")
	if err != nil {
		return -1
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1
	}
	return gid
}

// CloseSlave drops the orchestrator's copy of the slave once the monitor
// has inherited it.
func (p *Pair) CloseSlave() error {
	if p.Slave == nil {
		return nil
	}
	err := p.Slave.Close()
	p.Slave = nil
	return err
}

// Close releases both ends.
func (p *Pair) Close() error {
	err := p.CloseSlave()
	if p.Master != nil {
		if cerr := p.Master.Close(); err == nil {
			err = cerr
		}
		p.Master = nil
	}
	return err
}

// CopyTerminal copies line discipline settings and window size from the
// user's terminal to dst (normally the slave).
func CopyTerminal(src, dst *os.File) error {
	tio, err := unix.IoctlGetTermios(int(src.Fd()), unix.TCGETS)
	if err != nil {
		return fmt.Errorf("read terminal attributes: %w", err)
	}
	if err := unix.IoctlSetTermios(int(dst.Fd()), unix.TCSETS, tio); err != nil {
		return fmt.Errorf("copy terminal attributes: %w", err)
	}
	if err := pty.InheritSize(src, dst); err != nil {
		return fmt.Errorf("copy window size: %w", err)
	}
	return nil
}

// SyncSize copies the window size of from onto the pty master and returns
// the new dimensions. The kernel delivers SIGWINCH to the pty's
// foreground process group.
func (p *Pair) SyncSize(from *os.File) (rows, cols int, err error) {
	ws, err := pty.GetsizeFull(from)
	if err != nil {
		return 0, 0, fmt.Errorf("read window size: %w", err)
	}
	if err := pty.Setsize(p.Master, ws); err != nil {
		return 0, 0, fmt.Errorf("set pty window size: %w", err)
	}
	return int(ws.Rows), int(ws.Cols), nil
}
