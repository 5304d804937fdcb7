package version

import (
	"regexp"
	"runtime"
	"strings"
	"testing"
)

func TestVersionIsSemver(t *testing.T) {
	semverRe := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	if !semverRe.MatchString(Version) {
		t.Errorf("Version %q is not a valid semver string", Version)
	}
}

func setBuild(t *testing.T, ref, release string) {
	t.Helper()
	oldRef, oldRelease := GitRef, ReleaseBuild
	t.Cleanup(func() { GitRef, ReleaseBuild = oldRef, oldRelease })
	GitRef, ReleaseBuild = ref, release
}

func TestDisplayVersion(t *testing.T) {
	tests := []struct {
		ref, release string
		want         string
	}{
		{"abc1234", "false", "v" + Version + "-abc1234"},
		{"  ", "", "v" + Version + "-unknown"},
		{"abc1234", "true", "v" + Version},
		{"abc1234", "YES", "v" + Version},
	}
	for _, tt := range tests {
		setBuild(t, tt.ref, tt.release)
		if got := DisplayVersion(); got != tt.want {
			t.Errorf("DisplayVersion() with ref %q release %q = %q, want %q", tt.ref, tt.release, got, tt.want)
		}
	}
}

func TestFull(t *testing.T) {
	setBuild(t, "abc1234", "true")
	got := Full()
	if !strings.HasPrefix(got, "runas v"+Version+" (") {
		t.Errorf("Full() = %q", got)
	}
	if !strings.Contains(got, runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("Full() = %q, missing platform", got)
	}
}
