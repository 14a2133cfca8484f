package version

// Version information set at build time via ldflags:
// go build -ldflags "-X github.com/dustin/Landingstat/internal/version.Version=1.0.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String formats the build information for logs and the health endpoint.
func String() string {
	return Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
