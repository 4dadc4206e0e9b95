package version

import "strings"

// Version is the build version, overridden at link time with
// -ldflags "-X safeaudio/pkg/version.Version=...".
var Version = "v0.1.0-dev"

// UserAgent is sent with every clip fetch, e.g. "safeaudio/0.1.0-dev".
func UserAgent() string {
	return userAgent(Version)
}

func userAgent(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		v = "dev"
	}
	return "safeaudio/" + v
}
