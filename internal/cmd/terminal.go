package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// terminalInfo names the invoking terminal and its size, looking at
// stdin, stdout and stderr in turn. Without one it returns "unknown".
func terminalInfo() (name string, rows, cols int) {
	for _, f := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		fd := f.Fd()
		if !isatty.IsTerminal(fd) {
			continue
		}
		name = "unknown"
		if link, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd)); err == nil {
			name = link
		}
		if w, h, err := term.GetSize(int(fd)); err == nil {
			rows, cols = h, w
		}
		return name, rows, cols
	}
	return "unknown", 0, 0
}

// isTerminal reports whether w is a terminal device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// styler colors output only when w is a terminal that supports it.
type styler struct {
	out *termenv.Output
}

func newStyler(w io.Writer) styler {
	return styler{out: termenv.NewOutput(w)}
}

func (s styler) bold(text string) string {
	return s.out.String(text).Bold().String()
}

func (s styler) faint(text string) string {
	return s.out.String(text).Faint().String()
}

func (s styler) color(text, ansi string) string {
	return s.out.String(text).Foreground(s.out.Color(ansi)).String()
}
