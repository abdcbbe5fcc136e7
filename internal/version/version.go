package version

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Set at build time:
//
//	go build -ldflags="-X github.com/muurk/webserv/internal/version.Version=v0.3.0 \
//	                   -X github.com/muurk/webserv/internal/version.Commit=abc123"
//
// Otherwise they are filled from VCS build info, falling back to a dev stamp.
var (
	Version = ""
	Commit  = ""
)

func init() {
	resolve(debug.ReadBuildInfo)
}

func resolve(read func() (*debug.BuildInfo, bool)) {
	if Version == "" || Commit == "" {
		if info, ok := read(); ok {
			fromSettings(info.Settings)
		}
	}
	if Version == "" {
		Version = "dev-" + time.Now().Format("20060102-150405")
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

func fromSettings(settings []debug.BuildSetting) {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}

	if Commit == "" {
		if rev := vcs["vcs.revision"]; rev != "" {
			Commit = rev[:min(7, len(rev))]
			if vcs["vcs.modified"] == "true" {
				Commit += "-dirty"
			}
		}
	}

	if Version == "" {
		if t, err := time.Parse(time.RFC3339, vcs["vcs.time"]); err == nil {
			Version = "dev-" + t.Format("20060102")
		}
	}
}

// Full returns the full version string including commit
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

// ServerSoftware is the token sent in the Server header and SERVER_SOFTWARE.
func ServerSoftware() string {
	return "webserv/" + Version
}
