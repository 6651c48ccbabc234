// Package config loads relaytun settings from defaults, the TOML config
// file, RELAYTUN_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/netcfg"
	"github.com/1ureka/relaytun/internal/peerlink"
	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/transfer"
	"github.com/1ureka/relaytun/internal/tunnel"
)

const (
	DefaultServerURL  = "ws://localhost:5137/datahub"
	DefaultHubListen  = ":5137"
	DefaultSubnetMask = "255.255.255.0"

	// DiscoverServer as server_url looks the hub up over mDNS.
	DiscoverServer = "mdns"
)

// fragmentOverhead bounds what one file fragment adds on the wire: transfer
// id, filename, sequence fields and framing.
const fragmentOverhead = 512

var ErrInvalid = errors.New("invalid configuration")

// Config holds every relaytun setting.
type Config struct {
	ServerURL        string
	ClientAlias      string
	DefaultPeerAlias string

	AutoConfigureNetwork bool
	LocalIP              string
	SubnetMask           string
	NetworksToRoute      []string

	AdapterName  string
	MTU          int
	RingCapacity int

	FragmentSize int
	BatchSize    int
	EgressQueue  int
	ReceiveDir   string

	Direct      bool
	STUNServers []string

	HubListen   string
	Announce    bool
	MetricsAddr string
	LogFile     string
	Debug       bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ServerURL:    DefaultServerURL,
		SubnetMask:   DefaultSubnetMask,
		MTU:          device.DefaultMTU,
		RingCapacity: device.DefaultRingCapacity,
		FragmentSize: transfer.DefaultFragmentSize,
		BatchSize:    transfer.DefaultBatchSize,
		EgressQueue:  tunnel.DefaultQueueSize,
		ReceiveDir:   ".",
		HubListen:    DefaultHubListen,
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.ClientAlias = strings.TrimSpace(c.ClientAlias)
	c.DefaultPeerAlias = strings.TrimSpace(c.DefaultPeerAlias)

	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.ServerURL != DiscoverServer &&
		!strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("%w: server_url %q must be a ws:// or wss:// URL, or %q", ErrInvalid, c.ServerURL, DiscoverServer)
	}

	if c.AdapterName == "" {
		c.AdapterName = device.AdapterName(c.ClientAlias)
	}
	if c.ReceiveDir == "" {
		c.ReceiveDir = "."
	}
	if c.SubnetMask == "" {
		c.SubnetMask = DefaultSubnetMask
	}

	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("%w: mtu %d out of range 576-65535", ErrInvalid, c.MTU)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("%w: ring_capacity must be positive", ErrInvalid)
	}
	if c.FragmentSize <= 0 {
		return fmt.Errorf("%w: fragment_size must be positive", ErrInvalid)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalid)
	}
	if n := c.BatchSize * (c.FragmentSize + fragmentOverhead); n > relay.DefaultMaxMessageSize {
		return fmt.Errorf("%w: %d fragments of %d bytes exceed the relay message limit of %d bytes",
			ErrInvalid, c.BatchSize, c.FragmentSize, relay.DefaultMaxMessageSize)
	}
	if c.Direct && c.FragmentSize+fragmentOverhead > peerlink.MaxMessageSize {
		return fmt.Errorf("%w: fragment_size %d exceeds the direct link message limit of %d bytes",
			ErrInvalid, c.FragmentSize, peerlink.MaxMessageSize)
	}
	if c.EgressQueue <= 0 {
		return fmt.Errorf("%w: egress_queue must be positive", ErrInvalid)
	}

	if c.DefaultPeerAlias != "" && strings.EqualFold(c.DefaultPeerAlias, c.ClientAlias) {
		return fmt.Errorf("%w: default_peer_alias cannot be your own alias", ErrInvalid)
	}

	if c.AutoConfigureNetwork && c.LocalIP != "" {
		if _, err := netcfg.NewPlan(c.AdapterName, c.LocalIP, c.SubnetMask, c.NetworksToRoute); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	return nil
}

// NetworkPlan builds the address and route plan for the tunnel adapter.
func (c *Config) NetworkPlan() (netcfg.Plan, error) {
	return netcfg.NewPlan(c.AdapterName, c.LocalIP, c.SubnetMask, c.NetworksToRoute)
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

// setListFromString splits a comma-separated list.
func (s *configSetter) setListFromString(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
