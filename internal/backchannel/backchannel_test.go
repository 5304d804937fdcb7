package backchannel

import (
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// exited builds a wait status for a normal exit with code.
func exited(code int) unix.WaitStatus { return unix.WaitStatus(code << 8) }

// stopped builds a wait status for a job-control stop by sig.
func stopped(sig syscall.Signal) unix.WaitStatus { return unix.WaitStatus(int(sig)<<8 | 0x7f) }

// killed builds a wait status for death by sig.
func killed(sig syscall.Signal) unix.WaitStatus { return unix.WaitStatus(sig) }

func TestRecordEncoding(t *testing.T) {
	rec := WaitStatus(exited(3))
	buf, err := rec.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, RecordSize)

	var got Record
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, rec, got)
	assert.Equal(t, 3, got.Status().ExitStatus())
}

func TestRecordRejectsMalformed(t *testing.T) {
	var r Record
	assert.Error(t, r.UnmarshalBinary(make([]byte, RecordSize-1)))

	buf, _ := Record{Kind: KindSignal, Value: 1}.MarshalBinary()
	buf[0] = 0xff
	assert.Error(t, r.UnmarshalBinary(buf))
}

func TestRecordTerminal(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"errno", Errno(syscall.ENOENT), true},
		{"exit", WaitStatus(exited(0)), true},
		{"killed", WaitStatus(killed(syscall.SIGKILL)), true},
		{"stopped", WaitStatus(stopped(syscall.SIGTSTP)), false},
		{"signal", Signal(syscall.SIGINT), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Terminal())
		})
	}
}

func TestPairSendRecv(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(Signal(syscall.SIGUSR1)))
	require.NoError(t, a.Send(WaitStatus(stopped(syscall.SIGTSTP))))

	got, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, KindSignal, got.Kind)
	assert.Equal(t, syscall.SIGUSR1, got.Signo())

	got, err = b.Recv()
	require.NoError(t, err)
	assert.True(t, got.Status().Stopped())
	assert.Equal(t, syscall.SIGTSTP, got.Status().StopSignal())
}

func TestRecvReportsPeerClosure(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close())
	_, err = b.Recv()
	assert.True(t, errors.Is(err, io.EOF), "Recv after peer close = %v, want io.EOF", err)
}

func TestStatusSlotAtMostOnce(t *testing.T) {
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	var slot StatusSlot

	sent, err := slot.Send(a, WaitStatus(stopped(syscall.SIGTSTP)))
	require.NoError(t, err)
	assert.True(t, sent, "stop status should pass through")
	assert.False(t, slot.Sent())

	sent, err = slot.Send(a, WaitStatus(exited(7)))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, slot.Sent())

	sent, err = slot.Send(a, Errno(syscall.EACCES))
	require.NoError(t, err)
	assert.False(t, sent, "second terminal record must be dropped")

	require.NoError(t, a.Close())
	var recs []Record
	for {
		r, err := b.Recv()
		if err != nil {
			break
		}
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, 7, recs[1].Status().ExitStatus())
}

func TestFinalKeepsFirstTerminal(t *testing.T) {
	var f Final
	assert.False(t, f.Offer(WaitStatus(stopped(syscall.SIGTTIN))))
	assert.True(t, f.Offer(WaitStatus(exited(0))))
	assert.False(t, f.Offer(WaitStatus(exited(9))))

	rec, ok := f.Get()
	require.True(t, ok)
	assert.Equal(t, 0, rec.Status().ExitStatus())
}
