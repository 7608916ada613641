// Package version carries the build identity stamped into the kernel
// suite binaries at link time.
package version

import "time"

// Set via -ldflags at build time; all empty for plain `go build`.
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

// Info is the resolved build identity.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Resolve returns the stamped values, synthesizing a version for
// unstamped development builds.
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	if info.Version == "" {
		if info.BuildTime != "" {
			info.Version = info.BuildTime
		} else {
			info.Version = "dev-" + time.Now().UTC().Format("20060102T150405Z")
		}
	}
	return info
}

// String renders the one-line form used by the CLI, with the commit
// shortened to 12 characters when present.
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	commit := info.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return info.Version + " (" + commit + ")"
}
