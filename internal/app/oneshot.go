package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"

	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/discovery"
	"github.com/1ureka/relaytun/internal/netcfg"
	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/transfer"
	"github.com/1ureka/relaytun/internal/tunnel"
	"github.com/1ureka/relaytun/internal/util"
)

// hubServiceName is the mDNS instance name a hub announces.
const hubServiceName = "relaytun hub"

// RunSend connects, registers and sends each file to alias with a progress
// bar. It stops at the first failed file.
func RunSend(ctx context.Context, cfg *config.Config, files []string, alias string) error {
	if alias == "" {
		alias = cfg.DefaultPeerAlias
	}
	if alias == "" {
		return transfer.ErrNoRecipient
	}
	if alias == cfg.ClientAlias {
		util.LogWarning("sending to yourself")
	}

	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, path := range files {
		if err := sendWithBar(ctx, cfg, client, path, alias); err != nil {
			return err
		}
	}
	return nil
}

func sendWithBar(ctx context.Context, cfg *config.Config, r transfer.Relay, path, alias string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", transfer.ErrFileNotFound, path)
		}
		return err
	}

	var bar *pterm.ProgressbarPrinter
	if info.Size() > 0 {
		bar, _ = pterm.DefaultProgressbar.
			WithTotal(int(info.Size())).
			WithTitle(filepath.Base(path)).
			WithRemoveWhenDone(false).
			Start()
	}

	var last int64
	sender := transfer.NewSender(r,
		transfer.WithFragmentSize(cfg.FragmentSize),
		transfer.WithBatchSize(cfg.BatchSize),
		transfer.WithProgress(func(p transfer.Progress) {
			if bar != nil {
				bar.Add(int(p.Sent - last))
			}
			last = p.Sent
		}),
	)

	_, err = sender.Send(ctx, path, alias)
	if bar != nil {
		_, _ = bar.Stop()
	}
	return err
}

// RunReceive registers and saves incoming files until ctx is cancelled or the
// relay connection drops. Raw packets are discarded since no adapter is open.
func RunReceive(ctx context.Context, cfg *config.Config) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	disp := tunnel.NewDispatcher(tunnel.NewSession(cfg.ClientAlias), newReceiver(cfg))
	off := subscribeData(ctx, client, disp)
	defer off()

	dir, _ := filepath.Abs(cfg.ReceiveDir)
	util.LogSuccess("waiting for files as %q, saving into %s", cfg.ClientAlias, dir)

	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		if err := client.Err(); err != nil {
			return fmt.Errorf("relay connection lost: %w", err)
		}
		return nil
	}
}

// RunRepair removes the routes and address a crashed tunnel may have left
// on the adapter.
func RunRepair(ctx context.Context, cfg *config.Config) error {
	networks, err := netcfg.ParseNetworks(cfg.NetworksToRoute)
	if err != nil {
		return err
	}
	plan := netcfg.Plan{Interface: cfg.AdapterName, Networks: networks}
	if cfg.LocalIP != "" {
		if plan, err = cfg.NetworkPlan(); err != nil {
			return err
		}
	}

	util.LogInfo("removing %d routes from %s...", len(plan.Networks), plan.Interface)
	if err := newConfigurator().Revert(ctx, plan); err != nil {
		return err
	}
	util.LogSuccess("network configuration repaired")
	return nil
}

// RunHub serves the relay hub on cfg.HubListen and optionally announces it
// on the local network.
func RunHub(ctx context.Context, cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.HubListen)
	if err != nil {
		return fmt.Errorf("failed to start relay hub: %w", err)
	}

	if cfg.Announce {
		port := ln.Addr().(*net.TCPAddr).Port
		go func() {
			if err := discovery.Announce(ctx, hubServiceName, port); err != nil {
				util.LogWarning("mDNS announcement stopped: %v", err)
			}
		}()
	}

	startObservers(ctx, cfg)
	return relay.NewHub().Serve(ctx, ln)
}
