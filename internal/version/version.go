// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/javanstorm/vmsandbox/internal/version.Version=1.0.0 \
//	                   -X github.com/javanstorm/vmsandbox/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/javanstorm/vmsandbox/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Platform is the GOOS/GOARCH pair the binary was built for.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// String is the one-line form printed by --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, Commit, BuildDate, Platform())
}
