package iolog

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultTemplate stores sessions under a split sequence id, e.g. 00/00/01.
const DefaultTemplate = "%{seq}"

// Vars are the values available to a log path template.
type Vars struct {
	User       string
	Group      string
	RunAsUser  string
	RunAsGroup string
	Hostname   string
	Command    string // path or name of the command; only its base name is used
	UUID       string
}

// Expand substitutes the escapes in tmpl:
//
//	%{seq}          next sequence id, split as 00/00/01
//	%{user}         invoking user
//	%{group}        invoking user's primary group
//	%{runas_user}   target user
//	%{runas_group}  target group
//	%{hostname}     host name
//	%{command}      base name of the command
//	%{uuid}         session uuid
//	%%              a literal %
//
// seq is only called when the template references %{seq}. The result is a
// relative, cleaned path that cannot climb out of the log directory.
func Expand(tmpl string, vars Vars, seq func() (string, error)) (string, error) {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i+1 >= len(tmpl) {
			b.WriteByte(c)
			continue
		}
		if tmpl[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if tmpl[i+1] != '{' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(tmpl[i+2:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated escape in log path %q", tmpl)
		}
		name := tmpl[i+2 : i+2+end]
		i += 2 + end

		var val string
		switch name {
		case "seq":
			if seq == nil {
				return "", fmt.Errorf("log path %q needs a sequence id", tmpl)
			}
			id, err := seq()
			if err != nil {
				return "", err
			}
			b.WriteString(SplitSeq(id))
			continue
		case "user":
			val = vars.User
		case "group":
			val = vars.Group
		case "runas_user":
			val = vars.RunAsUser
		case "runas_group":
			val = vars.RunAsGroup
		case "hostname":
			val = vars.Hostname
		case "command":
			val = filepath.Base(vars.Command)
		case "uuid":
			val = vars.UUID
		default:
			return "", fmt.Errorf("unknown escape %%{%s} in log path", name)
		}
		b.WriteString(component(val))
	}

	out := filepath.Clean(b.String())
	if out == "." || filepath.IsAbs(out) || out == ".." || strings.HasPrefix(out, "../") {
		return "", fmt.Errorf("log path %q expands outside the log directory", tmpl)
	}
	return out, nil
}

// component keeps a substituted value inside a single path element.
func component(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
