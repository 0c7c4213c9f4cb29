// SPDX-License-Identifier: AGPL-3.0-or-later

// Package version carries the build identity injected via ldflags.
package version

import "fmt"

var (
	// Version is the release tag, overridden by the build system.
	Version = "v0.1.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// Report renders the one-line version string used by --version and logs.
func Report() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
