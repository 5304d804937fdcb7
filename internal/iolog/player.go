package iolog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Player replays a session with its original pacing.
type Player struct {
	// Speed divides every delay. Zero means 1.
	Speed float64
	// MaxWait caps a single delay after scaling. Zero means no cap.
	MaxWait time.Duration
	// Streams to write to the output. Empty means ttyout, stdout and stderr.
	Streams []Stream
	// Sleep waits between events. Nil means time.Sleep.
	Sleep func(time.Duration)
	// OnResize is called for window size events.
	OnResize func(rows, cols int)
}

// DefaultPlayStreams are the streams shown when Player.Streams is empty.
func DefaultPlayStreams() []Stream {
	return []Stream{StreamTTYOut, StreamStdout, StreamStderr}
}

// Wait returns the pause the player takes before an event with delay d.
func (p *Player) Wait(d time.Duration) time.Duration {
	speed := p.Speed
	if speed <= 0 {
		speed = 1
	}
	w := time.Duration(float64(d) / speed)
	if p.MaxWait > 0 && w > p.MaxWait {
		w = p.MaxWait
	}
	return w
}

// Play writes the selected streams of r to out, sleeping between events.
// It stops early when ctx is done.
func (p *Player) Play(ctx context.Context, r *Reader, out io.Writer) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	streams := p.Streams
	if len(streams) == 0 {
		streams = DefaultPlayStreams()
	}
	var show [streamCount]bool
	for _, s := range streams {
		if s >= 0 && s < streamCount {
			show[s] = true
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := r.NextEvent()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if w := p.Wait(e.Delay); w > 0 {
			sleep(w)
		}
		if e.Resize {
			if p.OnResize != nil {
				p.OnResize(e.Rows, e.Cols)
			}
			continue
		}
		if !show[e.Stream] {
			continue
		}
		buf, err := r.Read(e.Stream, e.Bytes)
		if err != nil {
			return err
		}
		if _, err := out.Write(buf); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}
