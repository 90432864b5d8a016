package version

import (
	"fmt"
	"runtime"
)

// Build information injected at compile time via ldflags
var (
	// Version is the semantic version of the application
	Version = "v0.0.0-dev"

	// Commit is the git commit hash
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built
	BuildTime = "unknown"
)

// Info returns a formatted string with version information
func Info() string {
	return fmt.Sprintf("eaze %s (commit: %s, built: %s, %s %s/%s)",
		Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// GetVersion returns just the version string
func GetVersion() string {
	return Version
}
