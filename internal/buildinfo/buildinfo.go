// Package buildinfo reports the version of the running binary. Values
// come from -ldflags when the release build sets them and fall back to
// the VCS stamp the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/ampere/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

var started = time.Now()

var vcsOnce = sync.OnceValue(func() map[string]string {
	out := map[string]string{}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision", "vcs.time", "vcs.modified":
			out[s.Key] = s.Value
		}
	}
	return out
})

// Commit returns the source revision, preferring the ldflags value.
// A build from a dirty tree gets a "-dirty" suffix.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	vcs := vcsOnce()
	rev := vcs["vcs.revision"]
	if rev == "" {
		return "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if vcs["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return rev
}

// Built returns the build or commit time.
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	if t := vcsOnce()["vcs.time"]; t != "" {
		return t
	}
	return "unknown"
}

// Info is the payload of the version endpoint and `ampere version`.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("Ampere/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line startup banner.
func String() string {
	return fmt.Sprintf("Ampere %s (%s) built %s", Version, Commit(), Built())
}
