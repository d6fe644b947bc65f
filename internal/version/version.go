// Package version carries build identification, overridden at link time:
//
//	go build -ldflags "-X github.com/goxel/goxeld/internal/version.Version=... -X github.com/goxel/goxeld/internal/version.Build=..."
package version

var (
	Version = "0.6.0"
	Build   = "dev"
)
