// Package buildinfo carries version/build metadata set at link time via
// -ldflags, the same convention the teacher repo uses.
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	// CommitHash is the git commit hash the binary was built from.
	CommitHash = "dev"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
	// Version is the semantic version, if tagged.
	Version = "dev"
)

// Info is the resolved build/version information for a running binary.
type Info struct {
	CommitHash string
	BuildTime  string
	Version    string
	GoVersion  string
	Platform   string
}

// Get returns the current build information.
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders a one-line human-readable summary.
func (i Info) String() string {
	return fmt.Sprintf("mimir %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the short commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
