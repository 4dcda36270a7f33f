package hypervisor

import "runtime"

// SupportedPlatform returns true if the current platform has a hypervisor driver.
// NewDriver is implemented per platform in driver_darwin.go and driver_other.go.
func SupportedPlatform() bool {
	return runtime.GOOS == "darwin"
}
