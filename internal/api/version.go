package api

import "runtime/debug"

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var vcsRevision, vcsTime string
	var vcsModified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRevision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			vcsModified = setting.Value == "true"
		}
	}
	if vcsRevision != "" {
		shortCommit := vcsRevision
		if len(shortCommit) > 7 {
			shortCommit = shortCommit[:7]
		}
		GitCommit = vcsRevision
		Version = "dev-" + shortCommit
		if vcsModified {
			Version += "-dirty"
		}
	}
	if vcsTime != "" {
		BuildTime = vcsTime
	}
}

// VersionInfo is the payload of the version endpoint and message.
func VersionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}
