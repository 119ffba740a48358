//go:build windows

package platform

// KernelVersion is not meaningful on Windows hosts; it always returns "",
// so a caller needs no Windows special case.
func KernelVersion() string {
	return ""
}
