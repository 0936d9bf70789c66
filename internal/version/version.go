// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders version, commit and build date on one line.
func String() string {
	return fmt.Sprintf("usagewatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
