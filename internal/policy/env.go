package policy

import (
	"os/user"
	"slices"
	"strings"
)

// DefaultEnvKeep are variables carried over from the invoking environment.
var DefaultEnvKeep = []string{"TERM", "COLORTERM", "LANG", "LANGUAGE", "LC_*", "TZ", "DISPLAY"}

// EnvOptions shape the command's environment.
type EnvOptions struct {
	Invoker    *user.User
	Target     *user.User
	Command    string // command line, recorded in RUNAS_COMMAND
	SecurePath string
	Keep       []string // names, or prefixes ending in "*"
}

// BuildEnv starts from a clean environment, keeps the allowed variables
// of env and sets the identity variables for the target.
func BuildEnv(env []string, opts EnvOptions) []string {
	keep := opts.Keep
	if keep == nil {
		keep = DefaultEnvKeep
	}
	path := opts.SecurePath
	if path == "" {
		path = DefaultSecurePath
	}

	var out []string
	set := map[string]bool{}
	add := func(k, v string) {
		if set[k] {
			return
		}
		set[k] = true
		out = append(out, k+"="+v)
	}

	if t := opts.Target; t != nil {
		add("HOME", t.HomeDir)
		add("USER", t.Username)
		add("LOGNAME", t.Username)
	}
	add("PATH", path)
	if u := opts.Invoker; u != nil {
		add("RUNAS_USER", u.Username)
		add("RUNAS_UID", u.Uid)
		add("RUNAS_GID", u.Gid)
	}
	if opts.Command != "" {
		add("RUNAS_COMMAND", opts.Command)
	}

	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !kept(keep, k) || unsafeValue(v) {
			continue
		}
		add(k, v)
	}
	slices.Sort(out)
	return out
}

func kept(keep []string, name string) bool {
	for _, k := range keep {
		if prefix, ok := strings.CutSuffix(k, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if k == name {
			return true
		}
	}
	return false
}

// unsafeValue rejects exported shell functions.
func unsafeValue(v string) bool {
	return strings.HasPrefix(v, "()")
}
