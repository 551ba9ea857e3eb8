// Package version holds build-time version metadata, overridable via
// -ldflags "-X github.com/nsefo/sentinel/internal/version.Version=...".
package version

// Version is the build version string, set at release time.
var Version = "dev"
