//go:build !linux && !windows

package device

// Open is not available on this platform; use a Loopback for testing.
func Open(cfg Config) (Device, error) {
	return nil, ErrUnsupported
}
