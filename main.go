// rescale-fetch - resumable chunked downloads from Rescale datacenters,
// CDN endpoints and object stores.
//
// Build with: go build -ldflags "-X github.com/rescale/rescale-fetch/internal/version.Version=vX.Y.Z" .
package main

import (
	"os"

	"github.com/rescale/rescale-fetch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
