// Package version holds the build version, set at link time with
// -ldflags "-X github.com/bnema/chatsession/internal/version.Version=...".
package version

var Version = "dev"
