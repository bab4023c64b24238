// Package version carries build metadata for both binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

// Overridden with -ldflags "-X github.com/openmined/dirsync/internal/version.Version=..."
var (
	AppName   = "dirsync"
	Version   = devVersion
	Revision  = "HEAD"
	BuildDate = "unknown"
)

// fill replaces placeholder values with module and VCS build settings.
func fill(moduleVersion string, settings map[string]string) {
	if (Version == devVersion || Version == "") && moduleVersion != "" && moduleVersion != "(devel)" {
		Version = strings.TrimPrefix(moduleVersion, "v")
	}

	if rev := settings["vcs.revision"]; rev != "" && (Revision == "HEAD" || Revision == "") {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if settings["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		Revision = rev
	}

	if ts := settings["vcs.time"]; ts != "" && (BuildDate == "unknown" || BuildDate == "") {
		BuildDate = ts
	}
}

// Short is `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// ShortWithApp is `dirsync 0.1.0 (5e23a4)`.
func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed is `0.1.0 (5e23a4; go1.24.0; linux/amd64; 2025-01-01T00:00:00Z)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	fill(info.Main.Version, settings)
}
