// Package device provides the virtual network interface the tunnel reads
// packets from and injects packets into.
package device

import (
	"errors"
	"fmt"
)

const (
	DefaultMTU          = 1400
	DefaultRingCapacity = 4 * 1024 * 1024 // 4 MiB
	DefaultTunnelType   = "Tunnel"
)

var (
	// ErrClosed is returned by ReadPacket and WritePacket once the session
	// has ended. It is a graceful terminal result, not a failure.
	ErrClosed = errors.New("device session closed")

	// ErrSendBufferFull means the device cannot take the packet right now.
	ErrSendBufferFull = errors.New("device send buffer exhausted")

	// ErrDeviceFailure wraps adapter and session setup failures.
	ErrDeviceFailure = errors.New("device failure")

	// ErrDriverMissing and ErrPermission are the two user-actionable causes
	// of a device failure.
	ErrDriverMissing = fmt.Errorf("%w: virtual adapter driver not found", ErrDeviceFailure)
	ErrPermission    = fmt.Errorf("%w: insufficient privileges (run as administrator/root)", ErrDeviceFailure)

	ErrUnsupported = fmt.Errorf("%w: virtual adapters are not supported on this platform", ErrDeviceFailure)
)

// Device is one open session on a virtual network interface.
//
// ReadPacket blocks until a packet arrives and copies it into buf. Close is
// idempotent and unblocks a pending ReadPacket, which then returns ErrClosed.
type Device interface {
	Name() string
	MTU() int
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
	Close() error
}

// Config describes the adapter to create.
type Config struct {
	Name         string
	TunnelType   string // Windows adapter tunnel type
	MTU          int
	RingCapacity uint32 // Windows ring buffer size in bytes
}

func (c Config) withDefaults() Config {
	if c.TunnelType == "" {
		c.TunnelType = DefaultTunnelType
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = DefaultRingCapacity
	}
	return c
}

// AdapterName returns the adapter name used for an alias.
func AdapterName(alias string) string {
	if alias == "" {
		alias = "Default"
	}
	return "SGR_" + alias
}
