// Package version carries build metadata set through -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/gatelink/internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("gatelink %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
