// relaytun CLI entry point.
//
// relaytun joins two machines through a relay hub: raw IP packets read from
// a virtual adapter and files sent from the command line travel as batched
// containers addressed by alias. It can run the tunnel, one-shot transfers,
// network repair or the hub itself.
//
// Run without a command for the interactive menu.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/1ureka/relaytun/internal/app"
	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCLI()
	err := fang.Execute(ctx, c.root, fang.WithVersion(version))
	c.close()
	if err != nil {
		os.Exit(1)
	}
}

// cli holds the effective configuration shared by every command.
type cli struct {
	root    *cobra.Command
	cfg     config.Config
	cfgPath string
	logFile io.Closer
}

func newCLI() *cli {
	c := &cli{cfg: config.DefaultConfig()}

	c.root = &cobra.Command{
		Use:               "relaytun",
		Short:             "Tunnel IP packets and files between peers through a relay hub",
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInteractive(cmd.Context())
		},
	}

	c.bindFlags(c.root.PersistentFlags())

	c.root.AddCommand(
		c.tunnelCmd(),
		c.sendCmd(),
		c.receiveCmd(),
		c.repairCmd(),
		c.hubCmd(),
		c.configCmd(),
	)
	return c
}

func (c *cli) bindFlags(f *pflag.FlagSet) {
	cfg := &c.cfg
	f.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.relaytun/config.toml)")

	f.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, `relay hub URL, or "mdns" to discover one on the LAN`)
	f.StringVar(&cfg.ClientAlias, "alias", cfg.ClientAlias, "alias to register with the hub")
	f.StringVar(&cfg.DefaultPeerAlias, "peer", cfg.DefaultPeerAlias, "alias tunnel traffic is sent to")

	f.BoolVar(&cfg.AutoConfigureNetwork, "auto-network", cfg.AutoConfigureNetwork, "configure address and routes on the adapter")
	f.StringVar(&cfg.LocalIP, "local-ip", cfg.LocalIP, "IPv4 address of the adapter")
	f.StringVar(&cfg.SubnetMask, "subnet-mask", cfg.SubnetMask, "subnet mask of the adapter")
	f.StringSliceVar(&cfg.NetworksToRoute, "route", cfg.NetworksToRoute, "CIDR to route through the tunnel (repeatable)")

	f.StringVar(&cfg.AdapterName, "adapter", cfg.AdapterName, "adapter name (default: SGR_<alias>)")
	f.IntVar(&cfg.MTU, "mtu", cfg.MTU, "adapter MTU")
	f.IntVar(&cfg.RingCapacity, "ring-capacity", cfg.RingCapacity, "adapter ring buffer size in bytes (Windows)")

	f.IntVar(&cfg.FragmentSize, "fragment-size", cfg.FragmentSize, "file fragment size in bytes")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "file fragments per container")
	f.IntVar(&cfg.EgressQueue, "egress-queue", cfg.EgressQueue, "packets queued toward the relay before dropping")
	f.StringVar(&cfg.ReceiveDir, "receive-dir", cfg.ReceiveDir, "directory received files are saved in")

	f.BoolVar(&cfg.Direct, "direct", cfg.Direct, "try a direct WebRTC link to the peer")
	f.StringSliceVar(&cfg.STUNServers, "stun", cfg.STUNServers, "STUN server URL for direct links (repeatable)")

	f.StringVar(&cfg.HubListen, "listen", cfg.HubListen, "hub listen address")
	f.BoolVar(&cfg.Announce, "announce", cfg.Announce, "announce the hub over mDNS")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "mirror log output to this file")
	f.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
}

// load layers defaults < config file < environment < changed flags and sets
// up logging.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	if c.cfgPath == "" {
		c.cfgPath = config.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if err := config.Load(&c.cfg, c.cfgPath, changed); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	if c.cfg.Debug {
		util.EnableDebug()
	}
	if c.cfg.LogFile != "" && c.logFile == nil {
		closer, err := util.SetLogFile(c.cfg.LogFile)
		if err != nil {
			return err
		}
		c.logFile = closer
	}
	return nil
}

func (c *cli) close() {
	if c.logFile != nil {
		c.logFile.Close()
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (c *cli) tunnelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tunnel",
		Short: "Open the virtual adapter and forward its traffic to the peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunTunnel(cmd.Context(), &c.cfg, c.cfgPath, cmd.InOrStdin())
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send <file...> [alias]",
		Short: "Send files to a peer and exit",
		Long: "Send files to a peer and exit. The last argument is the recipient unless " +
			"--to is given; with a single argument the configured peer receives it.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			alias := to
			if alias == "" && len(args) > 1 {
				files, alias = args[:len(args)-1], args[len(args)-1]
			}
			return app.RunSend(cmd.Context(), &c.cfg, files, alias)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient alias")
	return cmd
}

func (c *cli) receiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Save files sent to this alias without opening an adapter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunReceive(cmd.Context(), &c.cfg)
		},
	}
}

func (c *cli) repairCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Remove routes and addresses a crashed tunnel left behind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				ok, _ := pterm.DefaultInteractiveConfirm.
					WithDefaultText(fmt.Sprintf("Remove tunnel routes from %s?", c.cfg.AdapterName)).
					Show()
				if !ok {
					return nil
				}
			}
			return app.RunRepair(cmd.Context(), &c.cfg)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func (c *cli) hubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run a relay hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunHub(cmd.Context(), &c.cfg)
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := config.Encode(c.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", c.cfgPath, b)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

const (
	menuTunnel    = "Start tunnel"
	menuConfigure = "Configure"
	menuRepair    = "Repair network"
	menuExit      = "Exit"
)

// runInteractive shows the main menu until the user leaves or a tunnel ends.
func (c *cli) runInteractive(ctx context.Context) error {
	pterm.Info.Println(fmt.Sprintf("relaytun v%s", version))
	pterm.Println()

	for ctx.Err() == nil {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuTunnel, menuConfigure, menuRepair, menuExit}).
			WithDefaultText("What do you want to do?").
			Show()
		if err != nil {
			return err
		}
		pterm.Println()

		switch choice {
		case menuTunnel:
			if c.cfg.ClientAlias == "" {
				util.LogWarning("set an alias first (Configure)")
				continue
			}
			return app.RunTunnel(ctx, &c.cfg, c.cfgPath, os.Stdin)

		case menuConfigure:
			if err := c.configure(); err != nil {
				util.LogError("%v", err)
			}

		case menuRepair:
			if err := app.RunRepair(ctx, &c.cfg); err != nil {
				util.LogError("repair failed: %v", err)
			}

		case menuExit:
			return nil
		}
	}
	return nil
}

// configure prompts for the main settings and saves them.
func (c *cli) configure() error {
	next := c.cfg
	next.ServerURL = ask("Relay hub URL", next.ServerURL)
	next.ClientAlias = ask("Your alias", next.ClientAlias)
	next.DefaultPeerAlias = ask("Peer alias", next.DefaultPeerAlias)

	next.AutoConfigureNetwork, _ = pterm.DefaultInteractiveConfirm.
		WithDefaultText("Configure address and routes automatically?").
		WithDefaultValue(next.AutoConfigureNetwork).
		Show()
	if next.AutoConfigureNetwork {
		next.LocalIP = ask("Local IP", next.LocalIP)
		next.SubnetMask = ask("Subnet mask", next.SubnetMask)
		routes := ask("Networks to route (comma separated CIDRs)", strings.Join(next.NetworksToRoute, ","))
		next.NetworksToRoute = splitList(routes)
	}

	// The adapter name follows the alias unless it was set explicitly.
	if c.cfg.AdapterName == "" || strings.HasPrefix(c.cfg.AdapterName, "SGR_") {
		next.AdapterName = ""
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := config.Save(c.cfgPath, next); err != nil {
		return err
	}

	c.cfg = next
	util.LogSuccess("configuration saved to %s", c.cfgPath)
	pterm.Println()
	return nil
}

// ask prompts for one value; an empty answer keeps current.
func ask(prompt, current string) string {
	text := prompt
	if current != "" {
		text = fmt.Sprintf("%s [%s]", prompt, current)
	}
	raw, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(text).Show()
	if v := strings.TrimSpace(raw); v != "" {
		return v
	}
	return current
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
