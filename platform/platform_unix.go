//go:build !windows

package platform

import "golang.org/x/sys/unix"

// KernelVersion reports the host kernel release string, for diagnostic
// use; no package in bucketmirror calls it at present. Returns "" if the
// uname syscall fails, which is treated as an acceptable, non-fatal
// condition.
func KernelVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return nullTerminated(uts.Release[:])
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
