package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"runas/internal/iolog"
)

func newLsCmd(g *globals) *cobra.Command {
	var dir string
	var long bool

	cmd := &cobra.Command{
		Use:     "ls [-d dir] [field=value ...]",
		Aliases: []string{"list"},
		Short:   "List recorded sessions",
		Long: `List recorded sessions, oldest first.

Search terms narrow the list: user, runas, group, tty and cwd must match
exactly, command takes a regular expression.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				dir = cfg.IOLog.Dir
			}
			var filters []iolog.Filter
			for _, a := range args {
				f, err := iolog.ParseFilter(a)
				if err != nil {
					return err
				}
				filters = append(filters, f)
			}
			sessions, err := iolog.List(dir)
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), iolog.Search(sessions, filters), long)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Session log directory (default from config)")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show the full command line and working directory")
	return cmd
}

func printSessions(w io.Writer, sessions []iolog.Session, long bool) {
	st := newStyler(w)
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No recorded sessions.")
		return
	}
	fmt.Fprintln(w, st.bold("Recorded Sessions:"))
	for _, s := range sessions {
		i := s.Info
		who := i.User + " → " + i.RunAsUser
		if i.RunAsGroup != "" {
			who += ":" + i.RunAsGroup
		}
		command := programName(i.Command)
		if long {
			command = i.Command + " " + st.faint("(in "+i.Cwd+")")
		}
		fmt.Fprintf(w, "  %s %s %s %s %s\n",
			st.color(s.ID, "6"),
			st.faint(i.Time.Local().Format("2006-01-02 15:04:05")),
			who,
			st.faint(strings.TrimPrefix(i.TTY, "/dev/")),
			command,
		)
	}
}

// programName is the base name of the first word of a command line.
func programName(cmdline string) string {
	words, err := shlex.Split(cmdline)
	if err != nil || len(words) == 0 {
		return strings.TrimSpace(cmdline)
	}
	return filepath.Base(words[0])
}
