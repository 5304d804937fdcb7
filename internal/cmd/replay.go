package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"runas/internal/iolog"
)

type replayOptions struct {
	dir     string
	speed   float64
	maxWait time.Duration
	streams []string
	screen  bool
}

func newReplayCmd(g *globals) *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay [-d dir] [-s speed] [-m max-wait] [-f streams] [--screen] <id>",
		Short: "Play back a recorded session",
		Long: `Play back a recorded session with its original timing.

The id is the session path under the log directory (e.g. 00/00/01) or the
six character sequence id. With --screen only the final screen is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dir == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				opts.dir = cfg.IOLog.Dir
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return replay(ctx, opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "Session log directory (default from config)")
	cmd.Flags().Float64VarP(&opts.speed, "speed", "s", 1, "Playback speed factor")
	cmd.Flags().DurationVarP(&opts.maxWait, "max-wait", "m", 0, "Longest pause between events (0 for none)")
	cmd.Flags().StringSliceVarP(&opts.streams, "filter", "f", nil, "Streams to play: stdin,stdout,stderr,ttyin,ttyout")
	cmd.Flags().BoolVar(&opts.screen, "screen", false, "Print the final screen instead of playing")
	return cmd
}

func replay(ctx context.Context, opts replayOptions, id string, stdout, stderr io.Writer) error {
	if opts.speed <= 0 {
		return fmt.Errorf("speed must be positive")
	}
	dir, err := iolog.Resolve(opts.dir, id)
	if err != nil {
		return err
	}
	r, err := iolog.Open(dir)
	if err != nil {
		return err
	}
	defer r.Close()

	if opts.screen {
		screen, err := iolog.Screen(ctx, r, isTerminal(stdout))
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, screen)
		return nil
	}

	streams, err := iolog.ParseStreams(opts.streams)
	if err != nil {
		return err
	}
	if len(opts.streams) == 0 {
		streams = iolog.DefaultPlayStreams()
	}

	info := r.Info
	st := newStyler(stderr)
	fmt.Fprintf(stderr, "%s %s\n", st.bold("Replaying "+id+":"),
		st.faint(fmt.Sprintf("%s as %s on %s, %s", info.User, info.RunAsUser, info.TTY, info.Command)))

	_, _, cols := terminalInfo()
	p := iolog.Player{
		Speed:   opts.speed,
		MaxWait: opts.maxWait,
		Streams: streams,
		OnResize: func(rows, c int) {
			if cols > 0 && c > cols {
				fmt.Fprintf(stderr, "\r\n%s\r\n", st.color(fmt.Sprintf("[session resized to %dx%d, wider than this terminal]", c, rows), "3"))
			}
		},
	}
	err = p.Play(ctx, r, stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
