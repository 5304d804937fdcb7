// Package relay copies bytes between descriptors from a single poll loop.
//
// A Relay holds one Buffer per StreamRole. Each buffer has an optional
// reader and writer. The owning loop asks for a poll set with PollFds,
// waits, and hands the result back to Dispatch, which performs at most one
// non-blocking read and one non-blocking write per ready descriptor.
package relay

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// BufferSize is the capacity of each stream buffer.
const BufferSize = 32 * 1024

// StreamRole names one direction of one logical stream.
type StreamRole int

const (
	TTYIn  StreamRole = iota // user terminal -> pty
	TTYOut                   // pty -> user terminal
	Stdin                    // piped stdin -> command
	Stdout                   // command -> piped stdout
	Stderr                   // command -> piped stderr
	numRoles
)

var roleNames = [numRoles]string{"ttyin", "ttyout", "stdin", "stdout", "stderr"}

func (r StreamRole) String() string {
	if r < 0 || r >= numRoles {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Roles lists every stream role in index order.
func Roles() []StreamRole {
	return []StreamRole{TTYIn, TTYOut, Stdin, Stdout, Stderr}
}

// Action is called with every chunk read, before it is queued for writing.
type Action func(p []byte) error

// Descriptor is a relay endpoint. A nil *Descriptor is a closed slot.
type Descriptor struct {
	file  *os.File
	fd    int
	owned bool
	flags int
	ready bool
}

// Borrowed wraps f without taking ownership. The relay switches it to
// non-blocking mode and restores the original flags in Close. The same
// Borrowed descriptor may serve as the reader of one role and the writer
// of another.
func Borrowed(f *os.File) *Descriptor { return &Descriptor{file: f} }

// Owned wraps f and closes it when the relay is done with it.
func Owned(f *os.File) *Descriptor { return &Descriptor{file: f, owned: true} }

func (d *Descriptor) prepare() error {
	if d.ready {
		return nil
	}
	d.fd = int(d.file.Fd())
	flags, err := unix.FcntlInt(uintptr(d.fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("get flags of %s: %w", d.file.Name(), err)
	}
	d.flags = flags
	if err := unix.SetNonblock(d.fd, true); err != nil {
		return fmt.Errorf("set %s non-blocking: %w", d.file.Name(), err)
	}
	d.ready = true
	return nil
}

func (d *Descriptor) restore() error {
	_, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETFL, d.flags)
	return err
}

// Buffer is one direction of one stream.
type Buffer struct {
	r, w   *Descriptor
	action Action
	buf    [BufferSize]byte
	off    int // next byte to write
	n      int // bytes queued
	paused bool
}

func (b *Buffer) pending() int { return b.n - b.off }

// Relay is a fixed arena of stream buffers.
type Relay struct {
	bufs     [numRoles]Buffer
	refs     []pollRef
	borrowed []*Descriptor
	log      logrus.FieldLogger
}

type pollRef struct {
	role  StreamRole
	write bool
}

// New returns an empty relay that logs through log.
func New(log logrus.FieldLogger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{log: log}
}

// Add installs a buffer for role. Either descriptor may be nil; a buffer
// with a reader and no writer logs what it reads and discards it.
func (r *Relay) Add(role StreamRole, rd, wr *Descriptor, action Action) error {
	if role < 0 || role >= numRoles {
		return fmt.Errorf("invalid stream role %d", int(role))
	}
	for _, d := range []*Descriptor{rd, wr} {
		if d == nil {
			continue
		}
		if d.ready {
			continue
		}
		if err := d.prepare(); err != nil {
			return err
		}
		if !d.owned {
			r.borrowed = append(r.borrowed, d)
		}
	}
	r.bufs[role] = Buffer{r: rd, w: wr, action: action}
	return nil
}

// Open reports whether either end of role is still valid.
func (r *Relay) Open(role StreamRole) bool {
	b := &r.bufs[role]
	return b.r != nil || b.w != nil
}

// Pending returns the number of queued, unwritten bytes for role.
func (r *Relay) Pending(role StreamRole) int { return r.bufs[role].pending() }

// Pause stops reading from role's reader until Resume.
func (r *Relay) Pause(role StreamRole) { r.bufs[role].paused = true }

// Resume undoes Pause.
func (r *Relay) Resume(role StreamRole) { r.bufs[role].paused = false }

// PollFds returns the relay's poll set. Callers may append their own
// entries after it; Dispatch only looks at the leading relay entries.
func (r *Relay) PollFds() []unix.PollFd {
	r.refs = r.refs[:0]
	var fds []unix.PollFd
	for i := range r.bufs {
		b := &r.bufs[i]
		if b.r != nil && !b.paused && b.n < BufferSize {
			fds = append(fds, unix.PollFd{Fd: int32(b.r.fd), Events: unix.POLLIN})
			r.refs = append(r.refs, pollRef{role: StreamRole(i)})
		}
		if b.w != nil && b.pending() > 0 {
			fds = append(fds, unix.PollFd{Fd: int32(b.w.fd), Events: unix.POLLOUT})
			r.refs = append(r.refs, pollRef{role: StreamRole(i), write: true})
		}
	}
	return fds
}

// Dispatch services the ready entries of a poll set built by PollFds and
// returns the number of hard errors. A non-zero count means the session
// should be torn down.
func (r *Relay) Dispatch(fds []unix.PollFd) int {
	errs := 0
	for i, ref := range r.refs {
		if i >= len(fds) {
			break
		}
		rev := fds[i].Revents
		if rev == 0 {
			continue
		}
		if ref.write {
			if rev&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				errs += r.count(ref.role, r.drain(ref.role))
			}
			continue
		}
		if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			errs += r.count(ref.role, r.fill(ref.role))
		}
	}
	r.refs = r.refs[:0]
	r.propagateEOF()
	return errs
}

func (r *Relay) count(role StreamRole, err error) int {
	if err == nil {
		return 0
	}
	r.log.WithField("stream", role.String()).WithError(err).Warn("relay error")
	return 1
}

// fill performs one non-blocking read into role's buffer.
func (r *Relay) fill(role StreamRole) error {
	b := &r.bufs[role]
	if b.r == nil || b.n >= BufferSize {
		return nil
	}
	n, err := unix.Read(b.r.fd, b.buf[b.n:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return nil
	case errors.Is(err, unix.EIO):
		// pty master after the last slave reference went away
		r.closeReader(role)
		return nil
	case err != nil:
		r.closeReader(role)
		return fmt.Errorf("read %s: %w", role, err)
	case n == 0:
		r.closeReader(role)
		return nil
	}
	chunk := b.buf[b.n : b.n+n]
	// without a writer the chunk is only logged
	if b.w != nil {
		b.n += n
	}
	if b.action != nil {
		if err := b.action(chunk); err != nil {
			return fmt.Errorf("log %s: %w", role, err)
		}
	}
	return nil
}

// drain performs one non-blocking write from role's buffer.
func (r *Relay) drain(role StreamRole) error {
	b := &r.bufs[role]
	if b.w == nil || b.pending() == 0 {
		return nil
	}
	n, err := unix.Write(b.w.fd, b.buf[b.off:b.n])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return nil
	case errors.Is(err, unix.EPIPE):
		r.log.WithField("stream", role.String()).Debug("reader went away")
		r.closeWriter(role)
		r.closeReader(role)
		b.off, b.n = 0, 0
		return nil
	case err != nil:
		r.closeWriter(role)
		b.off, b.n = 0, 0
		return fmt.Errorf("write %s: %w", role, err)
	}
	b.off += n
	if b.off == b.n {
		b.off, b.n = 0, 0
	}
	return nil
}

// propagateEOF invalidates writers whose reader is gone and whose queued
// bytes have all been written.
func (r *Relay) propagateEOF() {
	for i := range r.bufs {
		b := &r.bufs[i]
		if b.r == nil && b.w != nil && b.pending() == 0 {
			r.closeWriter(StreamRole(i))
		}
	}
}

func (r *Relay) closeReader(role StreamRole) {
	b := &r.bufs[role]
	if b.r == nil {
		return
	}
	if b.r.owned {
		if err := b.r.file.Close(); err != nil {
			r.log.WithField("stream", role.String()).WithError(err).Debug("close reader")
		}
	}
	b.r = nil
}

func (r *Relay) closeWriter(role StreamRole) {
	b := &r.bufs[role]
	if b.w == nil {
		return
	}
	if b.w.owned {
		if err := b.w.file.Close(); err != nil {
			r.log.WithField("stream", role.String()).WithError(err).Debug("close writer")
		}
	}
	b.w = nil
}

// Flush reads whatever is already available on unpaused readers and
// writes out every queued byte, giving up after timeout. It returns the
// number of hard errors.
func (r *Relay) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	errs := 0
	for {
		progress := false
		for i := range r.bufs {
			b := &r.bufs[i]
			if b.r == nil || b.paused || b.n >= BufferSize {
				continue
			}
			before, open := b.n, true
			errs += r.count(StreamRole(i), r.fill(StreamRole(i)))
			if b.r == nil {
				open = false
			}
			if b.n != before || !open {
				progress = true
			}
		}

		var fds []unix.PollFd
		var roles []StreamRole
		for i := range r.bufs {
			b := &r.bufs[i]
			if b.w != nil && b.pending() > 0 {
				fds = append(fds, unix.PollFd{Fd: int32(b.w.fd), Events: unix.POLLOUT})
				roles = append(roles, StreamRole(i))
			}
		}
		if len(fds) == 0 && !progress {
			r.propagateEOF()
			return errs
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.log.Debug("relay flush timed out")
			return errs
		}
		if len(fds) > 0 {
			ms := int(remaining / time.Millisecond)
			if ms < 1 {
				ms = 1
			}
			if _, err := unix.Poll(fds, ms); err != nil && !errors.Is(err, unix.EINTR) {
				return errs + r.count(TTYOut, fmt.Errorf("poll: %w", err))
			}
			for i, fd := range fds {
				if fd.Revents != 0 {
					errs += r.count(roles[i], r.drain(roles[i]))
				}
			}
		}
		r.propagateEOF()
	}
}

// Close releases every descriptor still held. Owned descriptors are
// closed, borrowed ones get their original flags back.
func (r *Relay) Close() {
	for _, role := range Roles() {
		r.closeReader(role)
		r.closeWriter(role)
	}
	for i := len(r.borrowed) - 1; i >= 0; i-- {
		if err := r.borrowed[i].restore(); err != nil {
			r.log.WithError(err).Debug("restore descriptor flags")
		}
	}
	r.borrowed = nil
}
