package version

// Set via -ldflags "-X github.com/fabian4/edge-homebrew-go/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Name is sent in the Server response header.
const Name = "edge-homebrew-go"

func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
