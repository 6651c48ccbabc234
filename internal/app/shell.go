package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/util"
)

var errUsage = errors.New("usage")

const helpText = `Commands:
  send <file...> [alias]  send one file to alias (default: the current peer)
  peer <alias>            forward tunnel traffic to alias and remember it
  status                  show connection, device and traffic state
  help                    show this list
  exit                    close the tunnel`

// runShell executes commands read from in until exit or ctx is done. End of
// input stops reading but leaves the tunnel running.
func (t *Tunnel) runShell(ctx context.Context, in io.Reader) error {
	if in == nil {
		<-ctx.Done()
		return nil
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				util.LogDebug("command input closed")
				lines = nil
				continue
			}
			if t.exec(ctx, line) {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (t *Tunnel) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	var err error
	switch strings.ToLower(parts[0]) {
	case "send":
		err = t.cmdSend(ctx, parts[1:])
	case "peer":
		err = t.cmdPeer(ctx, parts[1:])
	case "status":
		t.cmdStatus()
	case "help", "?":
		fmt.Fprintln(t.out, helpText)
	case "exit", "quit":
		return true
	default:
		util.LogWarning("unknown command %q, type help for a list", parts[0])
	}

	if errors.Is(err, errUsage) {
		util.LogWarning("%v", err)
	} else if err != nil {
		util.LogError("%s: %v", parts[0], err)
	}
	return false
}

// parseSendArgs splits send arguments into a file path and a recipient. The
// last word is the alias unless the whole argument string names an existing
// file, in which case the alias falls back to the current peer.
func parseSendArgs(args []string, peer string) (path, alias string, err error) {
	if len(args) == 0 {
		return "", "", fmt.Errorf("%w: send <file...> [alias]", errUsage)
	}

	whole := strings.Join(args, " ")
	if len(args) == 1 || fileExists(whole) {
		path, alias = whole, peer
	} else {
		path = strings.Join(args[:len(args)-1], " ")
		alias = args[len(args)-1]
	}

	if alias == "" {
		return "", "", fmt.Errorf("%w: no peer set, use send <file...> <alias>", errUsage)
	}
	return path, alias, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (t *Tunnel) cmdSend(ctx context.Context, args []string) error {
	path, alias, err := parseSendArgs(args, t.sess.Peer())
	if err != nil {
		return err
	}
	if alias == t.sess.Self() {
		util.LogWarning("sending %s to yourself", path)
	}

	_, err = t.sender.Send(ctx, path, alias)
	return err
}

func (t *Tunnel) cmdPeer(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: peer <alias>", errUsage)
	}
	alias := args[0]

	if err := t.sess.SetPeer(alias); err != nil {
		return err
	}
	t.cfg.DefaultPeerAlias = alias
	util.LogSuccess("tunnel traffic now goes to %q", alias)

	if t.cfgPath != "" {
		if err := config.Save(t.cfgPath, *t.cfg); err != nil {
			util.LogWarning("could not remember peer: %v", err)
		}
	}
	if t.links != nil {
		go t.connectDirect(ctx, alias)
	}
	return nil
}

func (t *Tunnel) cmdStatus() {
	or := func(s, fallback string) string {
		if s == "" {
			return fallback
		}
		return s
	}

	relayState := "not connected"
	if t.client != nil {
		relayState = fmt.Sprintf("%s (%s)", t.client.State(), t.client.URL())
	}

	deviceState := "none"
	if dev := t.sess.Device(); dev != nil {
		deviceState = fmt.Sprintf("%s (mtu %d)", dev.Name(), dev.MTU())
	}

	network := "manual"
	if t.plan != nil {
		network = fmt.Sprintf("%s/%d, %d routes", t.plan.LocalIP, t.plan.PrefixLen, len(t.plan.Networks))
	}

	direct := "off"
	if t.links != nil {
		direct = or(strings.Join(t.links.Peers(), ", "), "no open links")
		if n := util.Stats.DirectMessagesOut.Load(); n > 0 {
			direct += fmt.Sprintf(" (%d messages, %s sent)", n, util.FormatBytes(float64(util.Stats.DirectBytesOut.Load())))
		}
	}

	transfers := 0
	if t.receiver != nil {
		transfers = t.receiver.Registry().Len()
	}

	s := util.Stats
	data := pterm.TableData{
		{"Item", "Value"},
		{"Relay", relayState},
		{"Alias", t.sess.Self()},
		{"Peer", or(t.sess.Peer(), "(none)")},
		{"Device", deviceState},
		{"Network", network},
		{"Direct links", direct},
		{"Incoming transfers", strconv.Itoa(transfers)},
		{"Sent", fmt.Sprintf("%d packets, %s", s.PacketsOut.Load(), util.FormatBytes(float64(s.BytesOut.Load())))},
		{"Received", fmt.Sprintf("%d packets, %s", s.PacketsIn.Load(), util.FormatBytes(float64(s.BytesIn.Load())))},
		{"Dropped", strconv.FormatInt(s.Dropped(), 10)},
		{"Files", fmt.Sprintf("%d sent, %d received", s.FilesSent.Load(), s.TransfersCompleted.Load())},
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		util.LogError("render status: %v", err)
		return
	}
	fmt.Fprintln(t.out, table)
}
