// SPDX-License-Identifier: MIT
//
// Package build exposes metadata stamped into the binary at link time
// via -ldflags (name, version, commit, build timestamp). Development
// builds without ldflags fall back to "dev" values instead of failing.
package build

type ldFlags struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// Populated by -ldflags during release builds.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string

	buildFlags = &ldFlags{
		Name:    "soundcore",
		Time:    "dev",
		Commit:  "dev",
		Version: "dev",
	}
)

// Initialize copies any linker-provided values over the dev defaults.
// Call once early in startup, before GetBuildFlags.
func Initialize() {
	if buildName != "" {
		buildFlags.Name = buildName
	}
	if buildTime != "" {
		buildFlags.Time = buildTime
	}
	if buildCommit != "" {
		buildFlags.Commit = buildCommit
	}
	if buildVersion != "" {
		buildFlags.Version = buildVersion
	}
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
