//go:build linux

package netcfg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/1ureka/relaytun/internal/util"
)

type netlinkConfigurator struct{}

// New returns the configurator for this platform.
func New() Configurator { return netlinkConfigurator{} }

func (netlinkConfigurator) Apply(ctx context.Context, p Plan) error {
	link, err := netlink.LinkByName(p.Interface)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", p.Interface, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(p.LocalIP.AsSlice()),
		Mask: net.CIDRMask(p.PrefixLen, 32),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return classify(fmt.Errorf("set address %s/%d on %s: %w", p.LocalIP, p.PrefixLen, p.Interface, err))
	}
	util.LogInfo("address %s/%d set on %s", p.LocalIP, p.PrefixLen, p.Interface)

	for _, n := range p.Networks {
		if err := ctx.Err(); err != nil {
			return err
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet(n)}
		if err := netlink.RouteReplace(route); err != nil {
			return classify(fmt.Errorf("add route %s via %s: %w", n, p.Interface, err))
		}
		util.LogInfo("route %s -> %s added", n, p.Interface)
	}
	return nil
}

func (netlinkConfigurator) Revert(ctx context.Context, p Plan) error {
	var errs []error

	for _, n := range p.Networks {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		err := netlink.RouteDel(&netlink.Route{Dst: ipNet(n)})
		switch {
		case err == nil:
			util.LogInfo("route %s removed", n)
		case errors.Is(err, unix.ESRCH):
			util.LogDebug("route %s not present", n)
		default:
			errs = append(errs, classify(fmt.Errorf("remove route %s: %w", n, err)))
		}
	}

	if p.Interface != "" && p.LocalIP.IsValid() {
		if link, err := netlink.LinkByName(p.Interface); err == nil {
			addr := &netlink.Addr{IPNet: &net.IPNet{
				IP:   net.IP(p.LocalIP.AsSlice()),
				Mask: net.CIDRMask(p.PrefixLen, 32),
			}}
			if err := netlink.AddrDel(link, addr); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
				errs = append(errs, classify(fmt.Errorf("remove address from %s: %w", p.Interface, err)))
			}
		}
	}

	return errors.Join(errs...)
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), 32),
	}
}

func classify(err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return err
}
