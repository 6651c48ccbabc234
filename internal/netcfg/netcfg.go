// Package netcfg assigns the tunnel address and routes the configured
// networks through the tunnel adapter.
package netcfg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var (
	ErrUnsupported = errors.New("network configuration is not supported on this platform")
	ErrPermission  = errors.New("network configuration requires administrator/root privileges")
	ErrInvalid     = errors.New("invalid network configuration")
)

// Plan is the address and route set applied to one interface.
type Plan struct {
	Interface string
	LocalIP   netip.Addr
	PrefixLen int
	Networks  []netip.Prefix
}

// Configurator applies and reverts a Plan. Revert is best effort: it keeps
// going after a failure and reports every error.
type Configurator interface {
	Apply(ctx context.Context, p Plan) error
	Revert(ctx context.Context, p Plan) error
}

// NewPlan validates raw configuration values and builds a Plan.
func NewPlan(iface, localIP, mask string, networks []string) (Plan, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(localIP))
	if err != nil || !ip.Is4() {
		return Plan{}, fmt.Errorf("%w: local ip %q is not an IPv4 address", ErrInvalid, localIP)
	}

	bits, err := PrefixFromMask(mask)
	if err != nil {
		return Plan{}, err
	}

	nets, err := ParseNetworks(networks)
	if err != nil {
		return Plan{}, err
	}
	if len(nets) == 0 {
		return Plan{}, fmt.Errorf("%w: no networks to route", ErrInvalid)
	}

	return Plan{Interface: iface, LocalIP: ip, PrefixLen: bits, Networks: nets}, nil
}

// ParseNetworks parses IPv4 CIDR strings, masking host bits.
func ParseNetworks(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil || !p.Addr().Is4() {
			return nil, fmt.Errorf("%w: %q is not an IPv4 CIDR", ErrInvalid, s)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// MaskString renders an IPv4 prefix length as a dotted mask.
func MaskString(bits int) string {
	return net.IP(net.CIDRMask(bits, 32)).String()
}

// PrefixFromMask converts a dotted IPv4 mask to its prefix length.
func PrefixFromMask(mask string) (int, error) {
	ip := net.ParseIP(strings.TrimSpace(mask)).To4()
	if ip == nil {
		return 0, fmt.Errorf("%w: subnet mask %q", ErrInvalid, mask)
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 {
		return 0, fmt.Errorf("%w: subnet mask %q is not contiguous", ErrInvalid, mask)
	}
	return ones, nil
}
