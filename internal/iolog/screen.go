package iolog

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/vito/midterm"
)

// Default screen size for sessions recorded without one.
const (
	DefaultRows = 24
	DefaultCols = 80
)

// Screen feeds a session's terminal output through a virtual terminal and
// returns the final screen, one line per row. With ansi set, each line
// carries its SGR formatting.
func Screen(ctx context.Context, r *Reader, ansi bool) (string, error) {
	rows, cols := r.Info.Rows, r.Info.Cols
	if rows <= 0 || cols <= 0 {
		rows, cols = DefaultRows, DefaultCols
	}
	vt := midterm.NewTerminal(rows, cols)

	p := Player{
		Sleep:    func(time.Duration) {},
		OnResize: func(rows, cols int) { vt.Resize(rows, cols) },
	}
	if err := p.Play(ctx, r, vt); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for row := range vt.Content {
		if ansi {
			renderLine(&buf, vt, row)
		} else {
			buf.WriteString(strings.TrimRight(string(vt.Content[row]), " "))
		}
		buf.WriteByte('\n')
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}

// renderLine writes one row with an SGR reset between format regions so
// background colors do not bleed.
func renderLine(buf *bytes.Buffer, vt *midterm.Terminal, row int) {
	line := vt.Content[row]
	var pos int
	var lastFormat midterm.Format
	for region := range vt.Format.Regions(row) {
		if region.F != lastFormat {
			buf.WriteString("\033[0m")
			buf.WriteString(region.F.Render())
			lastFormat = region.F
		}
		end := pos + region.Size
		if pos < len(line) {
			contentEnd := min(end, len(line))
			buf.WriteString(string(line[pos:contentEnd]))
		}
		pos = end
	}
	buf.WriteString("\033[0m")
}
