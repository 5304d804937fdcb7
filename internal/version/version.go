package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Version is the current version of runas.
const Version = "0.1.0"

// Set at link time with -ldflags "-X runas/internal/version.GitRef=...".
var (
	GitRef       = "unknown"
	ReleaseBuild = "false"
)

// DisplayVersion is v<semver> for releases and v<semver>-<gitref> otherwise.
func DisplayVersion() string {
	if released() {
		return "v" + Version
	}
	ref := strings.TrimSpace(GitRef)
	if ref == "" {
		ref = "unknown"
	}
	return "v" + Version + "-" + ref
}

// Full adds the toolchain and platform, as printed by "runas version".
func Full() string {
	return fmt.Sprintf("runas %s (%s %s/%s)", DisplayVersion(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func released() bool {
	switch strings.ToLower(strings.TrimSpace(ReleaseBuild)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
