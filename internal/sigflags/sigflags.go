// Package sigflags records pending signals for a single-threaded poll loop.
//
// The only writer is the signal delivery path, which sets one bit per
// signal with an atomic OR and pokes a self-pipe so the poll loop wakes.
// The loop drains the set with an atomic swap. No locks are involved, so
// the write side is safe to run from any context.
package sigflags

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Set is a fixed-capacity set of pending signal numbers (1..63).
type Set struct {
	bits atomic.Uint64
}

// Mark flags sig as pending. Out-of-range signals are dropped.
func (s *Set) Mark(sig syscall.Signal) {
	if sig <= 0 || sig >= 64 {
		return
	}
	s.bits.Or(1 << uint(sig))
}

// Drain clears the set and returns the signals that were pending in
// ascending signal-number order.
func (s *Set) Drain() []syscall.Signal {
	bits := s.bits.Swap(0)
	if bits == 0 {
		return nil
	}
	var out []syscall.Signal
	for n := 1; n < 64; n++ {
		if bits&(1<<uint(n)) != 0 {
			out = append(out, syscall.Signal(n))
		}
	}
	return out
}

// Watcher connects os/signal delivery to a Set and a wake pipe.
type Watcher struct {
	Set Set

	ch     chan os.Signal
	done   chan struct{}
	rfd    int
	wfd    int
	closed atomic.Bool
}

// Watch starts catching sigs. The returned Watcher's WakeFd becomes
// readable whenever a signal is marked.
func Watch(sigs ...os.Signal) (*Watcher, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	w := &Watcher{
		ch:   make(chan os.Signal, 16),
		done: make(chan struct{}),
		rfd:  p[0],
		wfd:  p[1],
	}
	signal.Notify(w.ch, sigs...)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case sig := <-w.ch:
			if s, ok := sig.(syscall.Signal); ok {
				w.Set.Mark(s)
				w.wake()
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) wake() {
	// A full pipe already guarantees a wakeup.
	_, _ = unix.Write(w.wfd, []byte{0})
}

// WakeFd is the read end of the self-pipe, for inclusion in a poll set.
func (w *Watcher) WakeFd() int { return w.rfd }

// Acknowledge empties the wake pipe and returns the pending signals.
func (w *Watcher) Acknowledge() []syscall.Signal {
	var buf [64]byte
	for {
		n, err := unix.Read(w.rfd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			break
		}
	}
	return w.Set.Drain()
}

// Stop stops delivery and releases the pipe.
func (w *Watcher) Stop() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	signal.Stop(w.ch)
	close(w.done)
	unix.Close(w.rfd)
	unix.Close(w.wfd)
}
