// Package version holds build information stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/coral-mesh/portalca/pkg/version.Version=1.2.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release version.
	Version = "dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()
)

// String returns a one-line summary for logs and user agents.
func String() string {
	return fmt.Sprintf("portalca/%s (%s, %s)", Version, GitCommit, GoVersion)
}
