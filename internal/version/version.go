// Package version exposes build metadata stamped in with -ldflags.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the version line printed by `khata version`.
func String() string {
	info, _ := debug.ReadBuildInfo()
	return "khata " + resolve(Version, info) + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}

// resolve prefers the stamped version and falls back to the module version `go install` records.
func resolve(stamped string, info *debug.BuildInfo) string {
	if stamped != "dev" || info == nil {
		return stamped
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return stamped
}
