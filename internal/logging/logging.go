// Package logging builds the diagnostic logger shared by the runas
// processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options select the level, destination and format of diagnostics.
type Options struct {
	Level  string `json:"level" yaml:"level"`
	File   string `json:"file" yaml:"file"`
	Format string `json:"format" yaml:"format"`
}

// Process roles, used as the "role" field.
const (
	RoleOrchestrator = "orchestrator"
	RoleMonitor      = "monitor"
)

// NewSessionID returns a correlation id shared by every process of a session.
func NewSessionID() string { return uuid.NewString() }

// New returns a logger for role. Output goes to opts.File when set and to
// fallback otherwise. The returned closer releases the log file.
func New(opts Options, fallback io.Writer, role, session string) (*logrus.Entry, io.Closer, error) {
	l := logrus.New()
	var closer io.Closer = io.NopCloser(nil)

	l.Out = fallback
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		l.Out = f
		closer = f
	}
	if l.Out == nil {
		l.Out = io.Discard
	}

	level := logrus.WarnLevel
	if opts.Level != "" {
		lv, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			closer.Close()
			return nil, nil, err
		}
		level = lv
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	entry := logrus.NewEntry(l).WithFields(logrus.Fields{
		"role": role,
		"pid":  os.Getpid(),
	})
	if session != "" {
		entry = entry.WithField("session", session)
	}
	return entry, closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}
