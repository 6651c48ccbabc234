// Package discovery announces and finds relay hubs on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/brutella/dnssd"

	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/util"
)

const (
	ServiceType   = "_relaytun._tcp"
	DefaultDomain = "local"
)

var ErrNotFound = errors.New("no relay hub found on the local network")

// Announce advertises a hub listening on port until ctx is cancelled.
func Announce(ctx context.Context, name string, port int) error {
	service, err := dnssd.NewService(dnssd.Config{
		Name:   name,
		Type:   ServiceType,
		Domain: DefaultDomain,
		Port:   port,
		Text:   map[string]string{"path": relay.HubPath},
	})
	if err != nil {
		return fmt.Errorf("create mDNS service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("create mDNS responder: %w", err)
	}
	if _, err := rp.Add(service); err != nil {
		return fmt.Errorf("add mDNS service: %w", err)
	}

	util.LogInfo("announcing hub %q on %s.%s port %d", name, ServiceType, DefaultDomain, port)

	if err := rp.Respond(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mDNS responder: %w", err)
	}
	return nil
}

// Discover returns the URL of the first hub that answers before ctx ends.
func Discover(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan string, 1)
	add := func(e dnssd.BrowseEntry) {
		url, ok := HubURL(e.IPs, e.Port, e.Text["path"])
		if !ok {
			return
		}
		util.LogDebug("discovered hub %q at %s", e.Name, url)
		select {
		case found <- url:
		default:
		}
		cancel()
	}

	service := fmt.Sprintf("%s.%s.", ServiceType, DefaultDomain)
	err := dnssd.LookupType(ctx, service, add, func(dnssd.BrowseEntry) {})

	select {
	case url := <-found:
		return url, nil
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("mDNS lookup: %w", err)
	}
	return "", ErrNotFound
}

// HubURL builds the WebSocket URL of an announced hub, preferring an IPv4
// address.
func HubURL(ips []net.IP, port int, path string) (string, bool) {
	if port <= 0 || len(ips) == 0 {
		return "", false
	}
	if path == "" {
		path = relay.HubPath
	}

	ip := ips[0]
	for _, candidate := range ips {
		if candidate.To4() != nil {
			ip = candidate
			break
		}
	}

	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(port)) + path, true
}
