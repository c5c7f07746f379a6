// Package version holds build information injected with ldflags, e.g.
// go build -ldflags "-X codeforge/pkg/version.Version=v1.2.3".
package version

//nolint:gochecknoglobals // ldflags targets
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information for `codeforge version`.
func String() string {
	return Version + " (commit " + Commit + ", built " + Date + ")"
}
