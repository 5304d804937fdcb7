package iolog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Session is a recorded session found under a base directory.
type Session struct {
	ID   string // path relative to the base directory
	Dir  string
	Info Info
}

// List finds every session under base, oldest first.
func List(base string) ([]Session, error) {
	var out []Session
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			// unreadable subtrees belong to someone else
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Name() != InfoFile {
			return nil
		}
		dir := filepath.Dir(path)
		if _, err := os.Stat(filepath.Join(dir, TimingFile)); err != nil {
			return nil
		}
		info, err := ReadInfo(dir)
		if err != nil {
			return nil
		}
		id, err := filepath.Rel(base, dir)
		if err != nil {
			return err
		}
		out = append(out, Session{ID: id, Dir: dir, Info: info})
		return filepath.SkipDir
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", base, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Info.Time.Equal(out[j].Info.Time) {
			return out[i].Info.Time.Before(out[j].Info.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Resolve maps a session id to its directory. A bare six character
// sequence id is accepted in place of its split form.
func Resolve(base, id string) (string, error) {
	candidates := []string{id}
	if len(id) == seqLen && !strings.Contains(id, "/") {
		candidates = append(candidates, SplitSeq(id))
	}
	for _, c := range candidates {
		dir := filepath.Join(base, filepath.Clean("/"+c))
		if _, err := os.Stat(filepath.Join(dir, TimingFile)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("session %s: %w", id, ErrNotFound)
}

// Filter is one field=value search term.
type Filter struct {
	Field string
	Value string
	re    *regexp.Regexp
}

var filterFields = map[string]bool{
	"user": true, "runas": true, "group": true, "tty": true, "command": true, "cwd": true,
}

// ParseFilter parses "field=value". The command field takes a regular
// expression, every other field must match exactly.
func ParseFilter(s string) (Filter, error) {
	field, value, ok := strings.Cut(s, "=")
	if !ok || value == "" {
		return Filter{}, fmt.Errorf("search term %q is not field=value", s)
	}
	if !filterFields[field] {
		return Filter{}, fmt.Errorf("unknown search field %q", field)
	}
	f := Filter{Field: field, Value: value}
	if field == "command" {
		re, err := regexp.Compile(value)
		if err != nil {
			return Filter{}, fmt.Errorf("command pattern: %w", err)
		}
		f.re = re
	}
	return f, nil
}

// Match reports whether the session satisfies f.
func (f Filter) Match(s Session) bool {
	switch f.Field {
	case "user":
		return s.Info.User == f.Value
	case "runas":
		return s.Info.RunAsUser == f.Value
	case "group":
		return s.Info.RunAsGroup == f.Value
	case "tty":
		return s.Info.TTY == f.Value || filepath.Base(s.Info.TTY) == f.Value
	case "cwd":
		return s.Info.Cwd == f.Value
	case "command":
		return f.re != nil && f.re.MatchString(s.Info.Command)
	}
	return false
}

// Search returns the sessions that match every filter.
func Search(sessions []Session, filters []Filter) []Session {
	var out []Session
outer:
	for _, s := range sessions {
		for _, f := range filters {
			if !f.Match(s) {
				continue outer
			}
		}
		out = append(out, s)
	}
	return out
}
