package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"runas/internal/logging"
)

// Descriptor layout of the session monitor. Slots 0-2 are the command's
// standard streams (pty slave or relay pipe ends), the rest are the
// monitor's own and are close-on-exec once it starts.
const (
	monitorBackchannelFd = 3
	monitorTTYFd         = 4
	monitorSpecFd        = 5
)

// Slot is one entry of a descriptor table: what a spawned process finds at
// descriptor Fd.
type Slot struct {
	Fd   int
	Name string
}

// Standard stream sources.
const (
	SourcePty  = "pty"
	SourcePipe = "pipe"
)

// stdioSources names where each standard stream of the command comes from.
type stdioSources [3]string

// MonitorTable lists every descriptor the session monitor inherits.
func MonitorTable(stdio stdioSources) []Slot {
	return append(CommandTable(stdio),
		Slot{Fd: monitorBackchannelFd, Name: "backchannel"},
		Slot{Fd: monitorTTYFd, Name: "pty slave"},
		Slot{Fd: monitorSpecFd, Name: "spawn spec"},
	)
}

// CommandTable lists every descriptor the command inherits. Nothing above
// stderr survives the exec.
func CommandTable(stdio stdioSources) []Slot {
	return []Slot{
		{Fd: 0, Name: "stdin " + stdio[0]},
		{Fd: 1, Name: "stdout " + stdio[1]},
		{Fd: 2, Name: "stderr " + stdio[2]},
	}
}

// monitorSpec is written by the orchestrator on the spec descriptor.
type monitorSpec struct {
	Path       string          `json:"path"`
	Argv       []string        `json:"argv"`
	Env        []string        `json:"env"`
	Dir        string          `json:"dir"`
	Credential *credential     `json:"credential,omitempty"`
	Foreground bool            `json:"foreground"`
	KillGrace  time.Duration   `json:"kill_grace"`
	Session    string          `json:"session"`
	Log        logging.Options `json:"log"`
	Stdio      stdioSources    `json:"stdio"`
}

type credential struct {
	UID    uint32   `json:"uid"`
	GID    uint32   `json:"gid"`
	Groups []uint32 `json:"groups"`
}

func newMonitorSpec(d *Details, foreground bool, stdio stdioSources) monitorSpec {
	spec := monitorSpec{
		Path:       d.Path,
		Argv:       d.Argv,
		Env:        d.Env,
		Dir:        d.Dir,
		Foreground: foreground,
		KillGrace:  d.KillGrace,
		Session:    d.Session,
		Log:        d.LogOptions,
		Stdio:      stdio,
	}
	if c := d.Credential; c != nil {
		spec.Credential = &credential{UID: c.Uid, GID: c.Gid, Groups: c.Groups}
	}
	return spec
}

func (c *credential) syscall() *syscall.Credential {
	if c == nil {
		return nil
	}
	return &syscall.Credential{Uid: c.UID, Gid: c.GID, Groups: c.Groups}
}

// monitorFiles are the descriptors handed to the monitor.
type monitorFiles struct {
	stdio       [3]*os.File
	sources     stdioSources
	backchannel *os.File
	tty         *os.File
	spec        *os.File
}

// at returns the file that belongs on descriptor fd of the monitor.
func (f monitorFiles) at(fd int) *os.File {
	switch fd {
	case 0, 1, 2:
		return f.stdio[fd]
	case monitorBackchannelFd:
		return f.backchannel
	case monitorTTYFd:
		return f.tty
	case monitorSpecFd:
		return f.spec
	}
	return nil
}

// monitorCmd builds the re-exec of this binary as the session monitor,
// laying out its descriptors as MonitorTable says.
func monitorCmd(argv []string, files monitorFiles) (*exec.Cmd, error) {
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		argv = []string{exe, "_monitor"}
	}
	cmd := exec.Command(argv[0], argv[1:]...)

	var stdio [3]*os.File
	var extra []*os.File
	for _, slot := range MonitorTable(files.sources) {
		f := files.at(slot.Fd)
		switch {
		case slot.Fd < 3:
			stdio[slot.Fd] = f
		case slot.Fd == 3+len(extra):
			// ExtraFiles[i] lands on descriptor 3+i.
			extra = append(extra, f)
		default:
			return nil, fmt.Errorf("descriptor table skips to %d (%s)", slot.Fd, slot.Name)
		}
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdio[0], stdio[1], stdio[2]
	cmd.ExtraFiles = extra
	cmd.Env = os.Environ()
	return cmd, nil
}

// commandCmd builds the command as started by the monitor. ttyFd is the
// monitor's descriptor for the pty, used to hand it the foreground.
func commandCmd(spec monitorSpec, stdio [3]*os.File, ttyFd int) *exec.Cmd {
	cmd := &exec.Cmd{
		Path:   spec.Path,
		Args:   spec.Argv,
		Env:    spec.Env,
		Dir:    spec.Dir,
		Stdin:  stdio[0],
		Stdout: stdio[1],
		Stderr: stdio[2],
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Foreground: spec.Foreground,
		Credential: spec.Credential.syscall(),
	}
	if spec.Foreground {
		cmd.SysProcAttr.Ctty = ttyFd
	}
	return cmd
}

func writeSpec(f *os.File, spec monitorSpec) error {
	defer f.Close()
	if err := json.NewEncoder(f).Encode(spec); err != nil {
		return fmt.Errorf("send spawn spec: %w", err)
	}
	return nil
}

func readSpec(f *os.File) (monitorSpec, error) {
	defer f.Close()
	var spec monitorSpec
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return spec, fmt.Errorf("read spawn spec: %w", err)
	}
	if spec.Path == "" {
		return spec, fmt.Errorf("spawn spec has no command")
	}
	if len(spec.Argv) == 0 {
		spec.Argv = []string{spec.Path}
	}
	return spec, nil
}
