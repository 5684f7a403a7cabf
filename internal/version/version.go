package version

import "fmt"

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.Version=0.1.0 -X ...version.Commit=abc123"
var (
	Version = "dev"
	Commit  = "dev"
)

// String formats the build identity with the protocol revision it speaks.
func String(major, minor uint32) string {
	return fmt.Sprintf("spicelink %s (%s), SPICE protocol %d.%d", Version, Commit, major, minor)
}
