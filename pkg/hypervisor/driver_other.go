//go:build !darwin

package hypervisor

// NewDriver returns an error on platforms without a driver.
func NewDriver() (Driver, error) {
	return nil, ErrUnsupportedPlatform
}
