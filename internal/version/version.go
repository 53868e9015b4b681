// Package version holds build metadata stamped in with
// -ldflags "-X github.com/rescale/rescale-fetch/internal/version.Version=...".
package version

import "runtime"

var (
	Version   = "v0.9.0-dev"
	BuildTime = "unknown"
)

// String is what --version prints.
func String() string {
	return Version + " (built " + BuildTime + ", " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
