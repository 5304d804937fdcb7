// Package backchannel carries command status and relayed signals between
// the orchestrator and the session monitor.
//
// The channel is an AF_UNIX SOCK_SEQPACKET socketpair. Every Record is
// sent as exactly one packet, so a reader never sees a partial record.
// There is no acknowledgement layer: closure of the peer is reported as
// io.EOF and is authoritative.
package backchannel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Kind discriminates the payload of a Record.
type Kind uint32

const (
	// KindErrno reports that the command never started; Value is the errno.
	KindErrno Kind = iota + 1
	// KindWaitStatus carries a raw wait(2) status for the command.
	KindWaitStatus
	// KindSignal asks the monitor to act on a signal number.
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindErrno:
		return "errno"
	case KindWaitStatus:
		return "wait_status"
	case KindSignal:
		return "signo"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// RecordSize is the fixed wire size of a Record.
const RecordSize = 16

// Record is the only message type exchanged on the back-channel.
type Record struct {
	Kind  Kind
	Value int64
}

// Errno returns an errno record.
func Errno(err syscall.Errno) Record { return Record{Kind: KindErrno, Value: int64(err)} }

// WaitStatus returns a wait status record.
func WaitStatus(ws unix.WaitStatus) Record { return Record{Kind: KindWaitStatus, Value: int64(ws)} }

// Signal returns a signal relay record.
func Signal(sig syscall.Signal) Record { return Record{Kind: KindSignal, Value: int64(sig)} }

// Status interprets Value as a wait status.
func (r Record) Status() unix.WaitStatus { return unix.WaitStatus(r.Value) }

// Signo interprets Value as a signal number.
func (r Record) Signo() syscall.Signal { return syscall.Signal(r.Value) }

// Terminal reports whether the record ends the session: an errno, or a
// wait status for a command that is no longer running.
func (r Record) Terminal() bool {
	switch r.Kind {
	case KindErrno:
		return true
	case KindWaitStatus:
		return !r.Status().Stopped()
	default:
		return false
	}
}

func (r Record) String() string {
	switch r.Kind {
	case KindWaitStatus:
		ws := r.Status()
		switch {
		case ws.Stopped():
			return fmt.Sprintf("wait_status(stopped %v)", ws.StopSignal())
		case ws.Signaled():
			return fmt.Sprintf("wait_status(killed %v)", ws.Signal())
		default:
			return fmt.Sprintf("wait_status(exit %d)", ws.ExitStatus())
		}
	case KindSignal:
		return fmt.Sprintf("signo(%v)", r.Signo())
	case KindErrno:
		return fmt.Sprintf("errno(%v)", syscall.Errno(r.Value))
	}
	return r.Kind.String()
}

// MarshalBinary encodes r into RecordSize bytes.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(r.Kind))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(r.Value))
	return buf, nil
}

// UnmarshalBinary decodes a RecordSize-byte packet.
func (r *Record) UnmarshalBinary(buf []byte) error {
	if len(buf) != RecordSize {
		return fmt.Errorf("back-channel record must be %d bytes, got %d", RecordSize, len(buf))
	}
	kind := Kind(binary.NativeEndian.Uint32(buf[0:4]))
	if kind < KindErrno || kind > KindSignal {
		return fmt.Errorf("unknown back-channel record kind %d", uint32(kind))
	}
	r.Kind = kind
	r.Value = int64(binary.NativeEndian.Uint64(buf[8:16]))
	return nil
}

// Conn is one end of the back-channel.
type Conn struct {
	file *os.File
	fd   int
}

// Pair creates a connected back-channel. Both ends are close-on-exec;
// pass one end to a child through exec.Cmd.ExtraFiles.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("create back-channel socketpair: %w", err)
	}
	return newConn(fds[0], "backchannel"), newConn(fds[1], "backchannel"), nil
}

// FromFile adopts an inherited descriptor.
func FromFile(f *os.File) *Conn {
	return &Conn{file: f, fd: int(f.Fd())}
}

func newConn(fd int, name string) *Conn {
	return &Conn{file: os.NewFile(uintptr(fd), name), fd: fd}
}

// Fd returns the descriptor for inclusion in a poll set.
func (c *Conn) Fd() int { return c.fd }

// File returns the underlying file, for ExtraFiles.
func (c *Conn) File() *os.File { return c.file }

// Send writes r as a single packet.
func (c *Conn) Send(r Record) error {
	buf, _ := r.MarshalBinary()
	for {
		n, err := unix.Write(c.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("send %v: %w", r, err)
		}
		if n != RecordSize {
			return fmt.Errorf("send %v: short write %d", r, n)
		}
		return nil
	}
}

// Recv reads one packet. It returns io.EOF once the peer has closed its
// end, and unix.EAGAIN when the descriptor is non-blocking and empty.
func (c *Conn) Recv() (Record, error) {
	buf := make([]byte, RecordSize+1)
	for {
		n, err := unix.Read(c.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECONNRESET) {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, err
		}
		if n == 0 {
			return Record{}, io.EOF
		}
		var r Record
		if err := r.UnmarshalBinary(buf[:n]); err != nil {
			return Record{}, err
		}
		return r, nil
	}
}

// Close releases this end.
func (c *Conn) Close() error { return c.file.Close() }

// StatusSlot guarantees that at most one terminal record is sent.
type StatusSlot struct {
	sent bool
}

// Sent reports whether a terminal record has gone out.
func (s *StatusSlot) Sent() bool { return s.sent }

// Send forwards r unless a terminal record was already sent. Non-terminal
// records (stop statuses) always pass through while the slot is open. It
// reports whether r was written.
func (s *StatusSlot) Send(c *Conn, r Record) (bool, error) {
	if s.sent {
		return false, nil
	}
	if err := c.Send(r); err != nil {
		return false, err
	}
	if r.Terminal() {
		s.sent = true
	}
	return true, nil
}

// Final holds the first terminal record received by the orchestrator.
type Final struct {
	rec Record
	ok  bool
}

// Offer stores r if it is terminal and nothing was stored yet.
func (f *Final) Offer(r Record) bool {
	if f.ok || !r.Terminal() {
		return false
	}
	f.rec, f.ok = r, true
	return true
}

// Get returns the stored record.
func (f *Final) Get() (Record, bool) { return f.rec, f.ok }
