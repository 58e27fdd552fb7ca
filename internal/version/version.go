// Package version provides build-time version information for the chat client.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/chatlink/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/chatlink/internal/version.Commit=$(git rev-parse --short HEAD)" \
//	    ./cmd/chatlink
package version

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"

	// BuildTime is the UTC build timestamp (ISO 8601)
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// ClientVersion is the value sent to the hub as X-Client-Version.
func ClientVersion() string {
	if Commit == "" || Commit == "unknown" {
		return "chatlink/" + Version
	}
	return "chatlink/" + Version + "+" + Commit
}
