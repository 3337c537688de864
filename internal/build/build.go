// Package build holds build-time metadata stamped by the linker.
package build

var (
	// Slug is the binary name.
	Slug = "testkit"

	// Version is set via -ldflags at release time.
	Version = "0.0.0"
)
