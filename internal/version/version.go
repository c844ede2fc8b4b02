// Package version carries the build metadata the release pipeline stamps
// in with -ldflags -X. A plain go build leaves the dev defaults.
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String renders the full stamp as one log-friendly token, e.g.
// "1.4.0 (3f9c2aa) built 2026-08-25T10:00:00Z".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
