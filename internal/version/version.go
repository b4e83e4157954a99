// Package version formats a human-friendly version line for CLI tools.
package version

import (
	"runtime/debug"
	"strings"
)

// String combines an ldflags-injected version with best-effort VCS metadata
// from the Go build info.
func String(version string) string {
	v := strings.TrimSpace(version)
	commit := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" || v == "dev" || v == "(devel)" {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				commit = s.Value
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	if commit != "" {
		v += " (" + commit + ")"
	}
	return v
}
