package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"runas/internal/config"
	"runas/internal/engine"
	"runas/internal/iolog"
	"runas/internal/logging"
	"runas/internal/policy"
)

// Authenticator verifies users whose rule requires a password. With none
// set, only nopasswd rules and root can run commands.
var Authenticator policy.Authenticator

type runOptions struct {
	user  string
	group string
	dir   string
	pty   bool
	noLog bool
}

func newRunCmd(g *globals) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [-u user] [-g group] [--pty] -- <command> [args...]",
		Short: "Run a command as another user",
		Long: `Run a command as another user (root by default) if a rule allows it.

The command gets a pty of its own when use_pty is set, --pty is given or
the matching rule records the session; otherwise it shares the terminal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return runCommand(cmd.Context(), cfg, opts, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&opts.user, "user", "u", "root", "Target user name or #uid")
	cmd.Flags().StringVarP(&opts.group, "group", "g", "", "Target group name or #gid")
	cmd.Flags().StringVarP(&opts.dir, "chdir", "D", "", "Working directory of the command")
	cmd.Flags().BoolVar(&opts.pty, "pty", false, "Always run the command in a pty")
	cmd.Flags().BoolVar(&opts.noLog, "no-log", false, "Do not record the session even if the rule asks for it")
	return cmd
}

func runCommand(ctx context.Context, cfg *config.Config, opts runOptions, args []string) error {
	invoker, err := user.Current()
	if err != nil {
		return fmt.Errorf("look up invoking user: %w", err)
	}
	target, err := lookupUser(opts.user)
	if err != nil {
		return err
	}
	var group *user.Group
	if opts.group != "" {
		if group, err = lookupGroup(opts.group); err != nil {
			return err
		}
	}

	decision, err := cfg.RuleSet().Check(policy.Request{
		User:    invoker,
		RunAs:   target,
		Group:   group,
		Command: args[0],
		Args:    args[1:],
	})
	if errors.Is(err, policy.ErrDenied) {
		fmt.Fprintf(os.Stderr, "runas: %v\n", err)
		return &ExitError{Code: 1}
	}
	if err != nil {
		return err
	}
	if err := authenticate(ctx, invoker, decision); err != nil {
		fmt.Fprintf(os.Stderr, "runas: %v\n", err)
		return &ExitError{Code: 1}
	}

	session := logging.NewSessionID()
	log, closer, err := logging.New(cfg.Log, os.Stderr, logging.RoleOrchestrator, session)
	if err != nil {
		return err
	}
	defer closer.Close()

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	dir := cwd
	if opts.dir != "" {
		dir = opts.dir
	}
	cmdline := strings.Join(append([]string{decision.Path}, args[1:]...), " ")

	cred := decision.Credential
	if cred != nil && int(cred.Uid) == os.Geteuid() && group == nil {
		// already the target; setgroups would need privilege
		cred = nil
	}

	d := engine.Details{
		Path:       decision.Path,
		Argv:       decision.Argv,
		Dir:        dir,
		Credential: cred,
		UsePty:     cfg.UsePty || opts.pty,
		KillGrace:  cfg.KillGrace,
		Logger:     log,
		Session:    session,
		LogOptions: cfg.Log,
		Env: policy.BuildEnv(os.Environ(), policy.EnvOptions{
			Invoker:    invoker,
			Target:     target,
			Command:    cmdline,
			SecurePath: cfg.SecurePath,
			Keep:       cfg.EnvKeep,
		}),
	}

	if decision.LogIO && !opts.noLog {
		w, err := createSessionLog(cfg, session, invoker, target, group, cwd, cmdline, decision.Path)
		if err != nil {
			return fmt.Errorf("session log: %w", err)
		}
		defer w.Close()
		d.Log = w
		log = log.WithField("iolog", w.ID())
		d.Logger = log
	}

	log.WithFields(logrus.Fields{
		"command": decision.Path,
		"runas":   target.Username,
		"pty":     d.UsePty || d.Log != nil,
	}).Info("running command")

	res, err := engine.Run(d)
	if err != nil {
		return err
	}
	if !res.Started() {
		fmt.Fprintf(os.Stderr, "runas: unable to execute %s: %v\n", decision.Path, res.Errno)
	}
	log.WithField("status", res.ExitCode()).Info("command finished")
	return exitWith(res.ExitCode())
}

func authenticate(ctx context.Context, invoker *user.User, d policy.Decision) error {
	if d.NoPasswd || invoker.Uid == "0" {
		return nil
	}
	if Authenticator == nil {
		return fmt.Errorf("a password is required and no authentication backend is configured: %w", policy.ErrAuth)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return Authenticator.Authenticate(ctx, invoker.Username)
}

func createSessionLog(cfg *config.Config, session string, invoker, target *user.User, group *user.Group, cwd, cmdline, path string) (*iolog.Writer, error) {
	opts, err := cfg.IOLog.Options()
	if err != nil {
		return nil, err
	}
	groupName := ""
	if group != nil {
		groupName = group.Name
	} else if g, err := user.LookupGroupId(target.Gid); err == nil {
		groupName = g.Name
	}
	invokerGroup := ""
	if g, err := user.LookupGroupId(invoker.Gid); err == nil {
		invokerGroup = g.Name
	}
	hostname, _ := os.Hostname()

	tty, rows, cols := terminalInfo()
	info := iolog.Info{
		User:       invoker.Username,
		RunAsUser:  target.Username,
		RunAsGroup: groupName,
		TTY:        tty,
		Rows:       rows,
		Cols:       cols,
		Cwd:        cwd,
		Command:    cmdline,
	}
	vars := iolog.Vars{
		User:       invoker.Username,
		Group:      invokerGroup,
		RunAsUser:  target.Username,
		RunAsGroup: groupName,
		Hostname:   hostname,
		Command:    filepath.Base(path),
		UUID:       session,
	}
	return iolog.Create(opts, info, vars)
}

// lookupUser accepts a login name or #uid.
func lookupUser(name string) (*user.User, error) {
	if id, ok := strings.CutPrefix(name, "#"); ok {
		u, err := user.LookupId(id)
		if err != nil {
			return nil, fmt.Errorf("unknown user %s: %w", name, err)
		}
		return u, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", name, err)
	}
	return u, nil
}

// lookupGroup accepts a group name or #gid.
func lookupGroup(name string) (*user.Group, error) {
	if id, ok := strings.CutPrefix(name, "#"); ok {
		g, err := user.LookupGroupId(id)
		if err != nil {
			return nil, fmt.Errorf("unknown group %s: %w", name, err)
		}
		return g, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return nil, fmt.Errorf("unknown group %s: %w", name, err)
	}
	return g, nil
}
