// Package version provides build-time version information
package version

import "fmt"

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a formatted version string for the named program, e.g.
// "kioku v1.2.0 (abc123) built at 2026-01-01T00:00:00Z".
func Info(program string) string {
	return fmt.Sprintf("%s %s (%s) built at %s", program, Version, GitCommit, BuildTime)
}
