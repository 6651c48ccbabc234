//go:build windows

package netcfg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/relaytun/internal/util"
)

// commandTimeout bounds every netsh/route invocation.
const commandTimeout = 10 * time.Second

type netshConfigurator struct{}

// New returns the configurator for this platform.
func New() Configurator { return netshConfigurator{} }

func (netshConfigurator) Apply(ctx context.Context, p Plan) error {
	iface, err := net.InterfaceByName(p.Interface)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", p.Interface, err)
	}
	idx := strconv.Itoa(iface.Index)
	mask := MaskString(p.PrefixLen)

	if err := run(ctx, "netsh", "interface", "ip", "set", "address", idx, "static", p.LocalIP.String(), mask); err != nil {
		return fmt.Errorf("set address %s on %s: %w", p.LocalIP, p.Interface, err)
	}
	util.LogInfo("address %s/%d set on %s (index %s)", p.LocalIP, p.PrefixLen, p.Interface, idx)

	for _, n := range p.Networks {
		err := run(ctx, "route", "add", n.Addr().String(), "MASK", MaskString(n.Bits()), p.LocalIP.String(), "IF", idx)
		if err != nil {
			return fmt.Errorf("add route %s: %w", n, err)
		}
		util.LogInfo("route %s -> %s added", n, p.Interface)
	}
	return nil
}

func (netshConfigurator) Revert(ctx context.Context, p Plan) error {
	var errs []error

	for _, n := range p.Networks {
		err := run(ctx, "route", "delete", n.Addr().String())
		if err != nil && !notFound(err) {
			err = run(ctx, "route", "delete", n.Addr().String(), "MASK", MaskString(n.Bits()))
		}
		switch {
		case err == nil:
			util.LogInfo("route %s removed", n)
		case notFound(err):
			util.LogDebug("route %s not present", n)
		default:
			errs = append(errs, fmt.Errorf("remove route %s: %w", n, err))
		}
	}

	if p.Interface != "" {
		if iface, err := net.InterfaceByName(p.Interface); err == nil {
			if err := run(ctx, "netsh", "interface", "ip", "set", "address", strconv.Itoa(iface.Index), "source=dhcp"); err != nil {
				errs = append(errs, fmt.Errorf("reset address on %s: %w", p.Interface, err))
			}
		}
	}

	return errors.Join(errs...)
}

func run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	util.LogDebug("exec: %s %s", name, strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return nil
	}

	text := strings.TrimSpace(string(out))
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out after %s", name, commandTimeout)
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "elevation") || strings.Contains(lower, "access is denied") {
		return fmt.Errorf("%w: %s", ErrPermission, text)
	}
	return fmt.Errorf("%s: %w: %s", name, err, text)
}

func notFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
