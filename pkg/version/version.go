// Package version exposes the toolgate build version.
package version

// Version is set at build time via -ldflags "-X github.com/toolgate/toolgate/pkg/version.Version=..."
var Version = "dev"

// GetVersion returns the current toolgate version string.
func GetVersion() string {
	return Version
}
