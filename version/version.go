package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = PPSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// PPSemVer is the current version of peerpolicy.
	// It's the Semantic Version of the software.
	PPSemVer = "0.1.0"
)
