// Package policy decides who may run what as whom. The engine only
// consumes the outcome: an approved Decision carrying the resolved
// command, environment and identity.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/shlex"
)

var (
	// ErrDenied is returned when no rule allows the request.
	ErrDenied = errors.New("not allowed")
	// ErrAuth is returned when the invoking user could not be verified.
	ErrAuth = errors.New("authentication failed")
)

// All matches any user, target or command.
const All = "ALL"

// DefaultSecurePath is the PATH given to commands and used to resolve
// bare command names.
const DefaultSecurePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Request is what the invoking user asked for.
type Request struct {
	User  *user.User
	RunAs *user.User
	// Group overrides the target's primary group when set.
	Group   *user.Group
	Command string // as typed
	Args    []string
}

// Decision is an approved request.
type Decision struct {
	Path       string
	Argv       []string
	NoPasswd   bool
	LogIO      bool
	Credential *syscall.Credential
}

// Checker approves or denies a request.
type Checker interface {
	Check(req Request) (Decision, error)
}

// Authenticator verifies the invoking user. Backends live outside this
// module.
type Authenticator interface {
	Authenticate(ctx context.Context, username string) error
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(ctx context.Context, username string) error

func (f AuthFunc) Authenticate(ctx context.Context, username string) error { return f(ctx, username) }

// Rule allows Users to run Commands as any of RunAs.
//
// Users entries are login names, %group names or ALL. Commands entries are
// a path glob optionally followed by argument globs; a single "" argument
// means no arguments at all, a trailing "*" matches any remaining ones.
type Rule struct {
	Users    []string `yaml:"users"`
	RunAs    []string `yaml:"runas,omitempty"`
	Commands []string `yaml:"commands"`
	NoPasswd bool     `yaml:"nopasswd,omitempty"`
	LogIO    bool     `yaml:"log_io,omitempty"`
}

// Validate checks that the rule can match something.
func (r Rule) Validate() error {
	if len(r.Users) == 0 {
		return errors.New("rule has no users")
	}
	if len(r.Commands) == 0 {
		return errors.New("rule has no commands")
	}
	for _, c := range r.Commands {
		if c == All {
			continue
		}
		fields, err := shlex.Split(c)
		if err != nil {
			return fmt.Errorf("command %q: %w", c, err)
		}
		if len(fields) == 0 || !filepath.IsAbs(fields[0]) {
			return fmt.Errorf("command %q: must start with an absolute path", c)
		}
		for _, f := range fields {
			if _, err := filepath.Match(f, ""); err != nil {
				return fmt.Errorf("command %q: %w", c, err)
			}
		}
	}
	return nil
}

// RuleSet is a Checker over rules. Like sudoers, the last matching rule
// decides the tags.
type RuleSet struct {
	Rules      []Rule
	SecurePath string
}

// Check resolves the command and looks for a rule that allows it.
func (s RuleSet) Check(req Request) (Decision, error) {
	if req.User == nil || req.RunAs == nil {
		return Decision{}, errors.New("request is missing the invoking or target user")
	}
	path, err := ResolveCommand(req.Command, s.securePath())
	if err != nil {
		return Decision{}, err
	}

	var match *Rule
	for i := range s.Rules {
		r := &s.Rules[i]
		if matchUser(r.Users, req.User) && matchRunAs(r.RunAs, req.RunAs) && matchCommand(r.Commands, path, req.Args) {
			match = r
		}
	}
	if match == nil {
		return Decision{}, fmt.Errorf("%s may not run %s as %s: %w", req.User.Username, path, req.RunAs.Username, ErrDenied)
	}

	cred, err := Credential(req.RunAs, req.Group)
	if err != nil {
		return Decision{}, err
	}
	argv := append([]string{filepath.Base(req.Command)}, req.Args...)
	return Decision{
		Path:       path,
		Argv:       argv,
		NoPasswd:   match.NoPasswd,
		LogIO:      match.LogIO,
		Credential: cred,
	}, nil
}

func (s RuleSet) securePath() string {
	if s.SecurePath == "" {
		return DefaultSecurePath
	}
	return s.SecurePath
}

func matchUser(patterns []string, u *user.User) bool {
	var gids []string
	for _, p := range patterns {
		switch {
		case p == All || p == u.Username:
			return true
		case strings.HasPrefix(p, "%"):
			g, err := user.LookupGroup(p[1:])
			if err != nil {
				continue
			}
			if gids == nil {
				gids, _ = u.GroupIds()
				gids = append(gids, u.Gid)
			}
			if slices.Contains(gids, g.Gid) {
				return true
			}
		}
	}
	return false
}

func matchRunAs(patterns []string, u *user.User) bool {
	if len(patterns) == 0 {
		return u.Uid == "0"
	}
	for _, p := range patterns {
		if p == All || p == u.Username {
			return true
		}
	}
	return false
}

func matchCommand(patterns []string, path string, args []string) bool {
	for _, p := range patterns {
		if p == All {
			return true
		}
		fields, err := shlex.Split(p)
		if err != nil || len(fields) == 0 {
			continue
		}
		if ok, _ := filepath.Match(fields[0], path); !ok {
			continue
		}
		if matchArgs(fields[1:], args) {
			return true
		}
	}
	return false
}

func matchArgs(patterns, args []string) bool {
	switch {
	case len(patterns) == 0:
		return true
	case len(patterns) == 1 && patterns[0] == "":
		return len(args) == 0
	}
	for i, p := range patterns {
		if p == "*" && i == len(patterns)-1 {
			return true
		}
		if i >= len(args) {
			return false
		}
		if ok, _ := filepath.Match(p, args[i]); !ok {
			return false
		}
	}
	return len(args) == len(patterns)
}

// ResolveCommand turns name into an absolute executable path. Names
// without a slash are searched for in securePath only.
func ResolveCommand(name, securePath string) (string, error) {
	if name == "" {
		return "", errors.New("no command given")
	}
	if strings.Contains(name, "/") {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		if err := executable(abs); err != nil {
			return "", err
		}
		return abs, nil
	}
	for _, dir := range filepath.SplitList(securePath) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		p := filepath.Join(dir, name)
		if executable(p) == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: command not found", name)
}

func executable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: not an executable file", path)
	}
	return nil
}

// Credential builds the identity for u, with g replacing its primary
// group when given.
func Credential(u *user.User, g *user.Group) (*syscall.Credential, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("uid of %s: %w", u.Username, err)
	}
	gidStr := u.Gid
	if g != nil {
		gidStr = g.Gid
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("gid of %s: %w", u.Username, err)
	}
	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	ids, err := u.GroupIds()
	if err != nil {
		return cred, nil
	}
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		cred.Groups = append(cred.Groups, uint32(n))
	}
	return cred, nil
}
