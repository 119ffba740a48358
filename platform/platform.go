// Package platform computes the PlatformProfile used by keytransform and
// localfs to make separator and root-prefix decisions once, at start-up,
// instead of branching on runtime.GOOS throughout the codebase.
package platform

import "runtime"

// Profile describes the host's path conventions. It is immutable once
// constructed and is passed explicitly into every component that needs it,
// rather than read from package-level mutable state.
type Profile struct {
	// Windows is true on Windows-class hosts; it governs which separator
	// NormalizeSeparators targets.
	Windows bool
	// Separator is the host's directory separator: '\\' on Windows, '/'
	// elsewhere.
	Separator rune
	// CaseSensitive is informational only. bucketmirror never folds case
	// (see DESIGN.md Open Question decisions) — this field exists so a
	// caller can log a warning when mirroring onto a case-insensitive
	// volume, not to change behavior.
	CaseSensitive bool
}

// Current returns the profile for the host this process is running on.
func Current() Profile {
	switch runtime.GOOS {
	case "windows":
		return Profile{Windows: true, Separator: '\\', CaseSensitive: false}
	case "darwin":
		// The default macOS filesystem (APFS) is case-insensitive but
		// case-preserving; we still never fold case (Non-goal).
		return Profile{Windows: false, Separator: '/', CaseSensitive: false}
	default:
		return Profile{Windows: false, Separator: '/', CaseSensitive: true}
	}
}

// HostSeparatorString returns the profile's separator as a single-byte string,
// valid because both '/' and '\\' are single ASCII bytes in UTF-8.
func (p Profile) HostSeparatorString() string {
	return string(p.Separator)
}
