// Package app wires the relaytun components into the runnable modes: the
// tunnel, one-shot send and receive, network repair and the hub.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/discovery"
	"github.com/1ureka/relaytun/internal/identity"
	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/util"
)

const discoverTimeout = 5 * time.Second

// resolveServer returns the hub URL, looking it up over mDNS when asked to.
func resolveServer(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.ServerURL != config.DiscoverServer {
		return cfg.ServerURL, nil
	}

	util.LogInfo("looking for a relay hub on the local network...")
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	url, err := discovery.Discover(ctx)
	if err != nil {
		return "", err
	}
	util.LogSuccess("found relay hub at %s", url)
	return url, nil
}

// connect dials the hub and registers the configured alias. Nothing is sent
// before registration succeeded.
func connect(ctx context.Context, cfg *config.Config) (*relay.Client, error) {
	if cfg.ClientAlias == "" {
		return nil, fmt.Errorf("%w: client alias is not set", identity.ErrEmptyAlias)
	}

	url, err := resolveServer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := relay.NewClient(url)
	util.LogInfo("connecting to %s...", url)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	client.On(relay.EventSendMessageFailed, func(args []byte) {
		var reason string
		_ = relay.Decode(args, &reason)
		util.LogWarning("relay could not deliver a message: %s", reason)
	})

	if err := identity.Register(ctx, client, cfg.ClientAlias, identity.DefaultTimeout); err != nil {
		client.Close()
		return nil, err
	}
	util.LogSuccess("registered as %q", cfg.ClientAlias)

	return client, nil
}

// startObservers runs the traffic reporter and, when configured, the
// metrics endpoint until ctx ends.
func startObservers(ctx context.Context, cfg *config.Config) {
	util.StartStatsReporter(ctx)

	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		util.LogInfo("serving metrics on %s/metrics", cfg.MetricsAddr)
		if err := util.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			util.LogWarning("metrics endpoint: %v", err)
		}
	}()
}
