package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent identifies costwatch to the billing API.
func UserAgent() string {
	return "costwatch/" + Version
}

// Info renders the build information printed by `costwatch version`.
func Info() string {
	return fmt.Sprintf("costwatch %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildDate)
}
