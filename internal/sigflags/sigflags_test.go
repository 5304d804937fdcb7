package sigflags

import (
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSetDrainOrder(t *testing.T) {
	var s Set
	s.Mark(syscall.SIGTERM)
	s.Mark(syscall.SIGHUP)
	s.Mark(syscall.SIGHUP)
	s.Mark(syscall.SIGCHLD)

	got := s.Drain()
	want := []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM, syscall.SIGCHLD}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if again := s.Drain(); again != nil {
		t.Errorf("second Drain() = %v, want nil", again)
	}
}

func TestSetIgnoresOutOfRange(t *testing.T) {
	var s Set
	s.Mark(0)
	s.Mark(64)
	s.Mark(-1)
	if got := s.Drain(); got != nil {
		t.Errorf("Drain() = %v, want nil", got)
	}
}

func TestWatcherWakesPoll(t *testing.T) {
	w, err := Watch(syscall.SIGUSR2)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("kill: %v", err)
	}

	fds := []unix.PollFd{{Fd: int32(w.WakeFd()), Events: unix.POLLIN}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := unix.Poll(fds, 100)
		if err == nil && n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("wake fd never became readable")
		}
	}

	got := w.Acknowledge()
	if len(got) != 1 || got[0] != syscall.SIGUSR2 {
		t.Fatalf("Acknowledge() = %v, want [SIGUSR2]", got)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := Watch(syscall.SIGUSR1)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.Stop()
	w.Stop()
}
