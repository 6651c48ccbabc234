package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/netcfg"
	"github.com/1ureka/relaytun/internal/peerlink"
	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/reassembly"
	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/storage"
	"github.com/1ureka/relaytun/internal/transfer"
	"github.com/1ureka/relaytun/internal/tunnel"
	"github.com/1ureka/relaytun/internal/util"
)

// packetOverhead is the room one raw packet needs on top of its payload once
// wrapped in a batch, a container and a relay frame.
const packetOverhead = 256

const revertTimeout = 15 * time.Second

// ErrAdapterClosed ends a tunnel whose adapter went away underneath it.
var ErrAdapterClosed = errors.New("adapter closed")

// Platform hooks, replaced in tests.
var (
	openDevice      = device.Open
	newConfigurator = netcfg.New
)

// outbound is where the tunnel hands its containers: the relay client, or
// the direct link manager which falls back to it.
type outbound interface {
	tunnel.Poster
	transfer.Relay
}

// Tunnel is one running tunnel session and the state its commands act on.
type Tunnel struct {
	cfg     *config.Config
	cfgPath string
	out     io.Writer

	client   *relay.Client
	sess     *tunnel.Session
	receiver *intake
	disp     *tunnel.Dispatcher
	sender   *transfer.Sender
	links    *peerlink.Manager
	plan     *netcfg.Plan
}

// checkMTU makes sure a full-sized packet still fits the message limits of
// the paths it may travel.
func checkMTU(mtu, relayLimit int, direct bool) error {
	if mtu+packetOverhead > relayLimit {
		return fmt.Errorf("%w: mtu %d does not fit the relay message limit of %d bytes", relay.ErrChannelRejected, mtu, relayLimit)
	}
	if direct && mtu+packetOverhead > peerlink.MaxMessageSize {
		return fmt.Errorf("%w: mtu %d does not fit the direct link message limit of %d bytes", relay.ErrChannelRejected, mtu, peerlink.MaxMessageSize)
	}
	return nil
}

// newReceiver builds the inbound file path: registry, persistence and
// progress output.
func newReceiver(cfg *config.Config) *intake {
	progress := newReceiveProgress()
	return &intake{
		Receiver: reassembly.NewReceiver(reassembly.NewRegistry(), storage.NewStore(cfg.ReceiveDir), progress.report),
		progress: progress,
	}
}

// subscribeData routes every ReceiveDataBatch event into the dispatcher.
func subscribeData(ctx context.Context, client *relay.Client, disp *tunnel.Dispatcher) func() {
	return client.On(relay.EventReceiveDataBatch, func(args []byte) {
		c, err := relay.DecodeContainer(args)
		if err != nil {
			util.Stats.DroppedInvalid.Add(1)
			util.LogWarning("dropping undecodable container (%d bytes): %v", len(args), err)
			return
		}
		disp.HandleContainer(ctx, c)
	})
}

// RunTunnel connects to the hub, opens the virtual adapter and forwards
// traffic until ctx is cancelled, the relay connection drops, the adapter
// fails or the user types exit. Commands are read from in.
func RunTunnel(ctx context.Context, cfg *config.Config, cfgPath string, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. Relay and identity ──────────────────────────────────────────
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := checkMTU(cfg.MTU, client.MaxMessageSize(), cfg.Direct); err != nil {
		return err
	}

	sess := tunnel.NewSession(cfg.ClientAlias)
	if cfg.DefaultPeerAlias != "" {
		if err := sess.SetPeer(cfg.DefaultPeerAlias); err != nil {
			util.LogWarning("ignoring default peer: %v", err)
		}
	}

	// ── 2. Virtual adapter ─────────────────────────────────────────────
	dev, err := openDevice(device.Config{
		Name:         cfg.AdapterName,
		MTU:          cfg.MTU,
		RingCapacity: uint32(cfg.RingCapacity),
	})
	if err != nil {
		return fmt.Errorf("open adapter %s: %w", cfg.AdapterName, err)
	}
	sess.AttachDevice(dev)
	defer func() {
		if d := sess.DetachDevice(); d != nil {
			d.Close()
		}
	}()
	util.LogSuccess("adapter %s is up (mtu %d)", dev.Name(), dev.MTU())

	t := &Tunnel{
		cfg:     cfg,
		cfgPath: cfgPath,
		out:     os.Stdout,
		client:  client,
		sess:    sess,
	}

	// ── 3. Network configuration ───────────────────────────────────────
	if cfg.AutoConfigureNetwork && cfg.LocalIP != "" {
		plan, err := cfg.NetworkPlan()
		if err != nil {
			return err
		}
		plan.Interface = dev.Name()
		// A failed Apply may still have added the address or some routes.
		t.plan = &plan
		defer t.revertNetwork()
		if err := newConfigurator().Apply(ctx, plan); err != nil {
			util.LogWarning("network auto-configuration failed: %v", err)
			t.revertNetwork()
		}
	}

	// ── 4. Ingress and egress paths ────────────────────────────────────
	t.receiver = newReceiver(cfg)
	t.disp = tunnel.NewDispatcher(sess, t.receiver)
	off := subscribeData(ctx, client, t.disp)
	defer off()

	var out outbound = client
	if cfg.Direct {
		t.links = peerlink.NewManager(ctx, client, cfg.ClientAlias,
			peerlink.WithSTUNServers(cfg.STUNServers),
			peerlink.WithContainerHandler(func(_ string, c *protocol.Container) {
				t.disp.HandleContainer(ctx, c)
			}),
		)
		defer t.links.Close()
		out = t.links
		if peer := sess.Peer(); peer != "" {
			go t.connectDirect(ctx, peer)
		}
	}

	t.sender = transfer.NewSender(out,
		transfer.WithFragmentSize(cfg.FragmentSize),
		transfer.WithBatchSize(cfg.BatchSize),
		transfer.WithProgress(logSendProgress),
	)
	pump := tunnel.NewPump(sess, dev, out, tunnel.WithQueueSize(cfg.EgressQueue))

	// ── 5. Run until something stops ───────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		if err := pump.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return fmt.Errorf("%w: %s", ErrAdapterClosed, dev.Name())
		}
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return t.runShell(gctx, in)
	})

	g.Go(func() error {
		select {
		case <-client.Done():
			if err := client.Err(); err != nil {
				return fmt.Errorf("relay connection lost: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	if cfgPath != "" && config.FileExists(cfgPath) {
		g.Go(func() error {
			if err := config.Watch(gctx, cfgPath, t.applyReload); err != nil {
				util.LogWarning("config hot reload disabled: %v", err)
			}
			return nil
		})
	}

	startObservers(gctx, cfg)

	if peer := sess.Peer(); peer != "" {
		util.LogSuccess("tunnel ready, forwarding to %q. Type help for commands.", peer)
	} else {
		util.LogSuccess("tunnel ready, no peer set. Use peer <alias> to pick one.")
	}

	err = g.Wait()
	util.LogInfo("closing tunnel...")
	return err
}

// applyReload picks up a changed default peer from the config file.
func (t *Tunnel) applyReload(c config.Config) {
	peer := c.DefaultPeerAlias
	if peer == "" || peer == t.sess.Peer() {
		return
	}
	if err := t.sess.SetPeer(peer); err != nil {
		util.LogWarning("config reload: %v", err)
		return
	}
	t.cfg.DefaultPeerAlias = peer
	util.LogInfo("config reload: peer is now %q", peer)
}

func (t *Tunnel) connectDirect(ctx context.Context, peer string) {
	if t.links == nil {
		return
	}
	if err := t.links.Connect(ctx, peer); err != nil {
		if !errors.Is(err, context.Canceled) {
			util.LogWarning("direct link to %q unavailable, using the relay: %v", peer, err)
		}
		return
	}
	util.LogSuccess("direct link to %q established", peer)
}

func (t *Tunnel) revertNetwork() {
	if t.plan == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
	defer cancel()
	if err := newConfigurator().Revert(ctx, *t.plan); err != nil {
		util.LogWarning("network cleanup incomplete, run relaytun repair: %v", err)
	}
	t.plan = nil
}
