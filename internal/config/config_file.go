package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML layout of the config file.
type FileConfig struct {
	ServerURL            string   `toml:"server_url"`
	ClientAlias          string   `toml:"client_alias"`
	DefaultPeerAlias     string   `toml:"default_peer_alias"`
	AutoConfigureNetwork *bool    `toml:"auto_configure_network"`
	LocalIP              string   `toml:"local_ip"`
	SubnetMask           string   `toml:"subnet_mask"`
	NetworksToRoute      []string `toml:"networks_to_route"`
	AdapterName          string   `toml:"adapter_name,omitempty"`
	MTU                  int      `toml:"mtu"`
	RingCapacity         int      `toml:"ring_capacity"`
	FragmentSize         int      `toml:"fragment_size"`
	BatchSize            int      `toml:"batch_size"`
	EgressQueue          int      `toml:"egress_queue"`
	ReceiveDir           string   `toml:"receive_dir"`
	Direct               *bool    `toml:"direct"`
	STUNServers          []string `toml:"stun_servers,omitempty"`
	HubListen            string   `toml:"hub_listen"`
	Announce             *bool    `toml:"announce"`
	MetricsAddr          string   `toml:"metrics_addr,omitempty"`
	LogFile              string   `toml:"log_file,omitempty"`
	Debug                *bool    `toml:"debug"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.relaytun/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".relaytun", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) {
	s := newConfigSetter(changed)

	s.setString("server", fc.ServerURL, &cfg.ServerURL)
	s.setString("alias", fc.ClientAlias, &cfg.ClientAlias)
	s.setString("peer", fc.DefaultPeerAlias, &cfg.DefaultPeerAlias)
	s.setString("local-ip", fc.LocalIP, &cfg.LocalIP)
	s.setString("subnet-mask", fc.SubnetMask, &cfg.SubnetMask)
	s.setString("adapter", fc.AdapterName, &cfg.AdapterName)
	s.setString("receive-dir", fc.ReceiveDir, &cfg.ReceiveDir)
	s.setString("listen", fc.HubListen, &cfg.HubListen)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("log-file", fc.LogFile, &cfg.LogFile)

	s.setStrings("route", fc.NetworksToRoute, &cfg.NetworksToRoute)
	s.setStrings("stun", fc.STUNServers, &cfg.STUNServers)

	s.setInt("mtu", fc.MTU, &cfg.MTU)
	s.setInt("ring-capacity", fc.RingCapacity, &cfg.RingCapacity)
	s.setInt("fragment-size", fc.FragmentSize, &cfg.FragmentSize)
	s.setInt("batch-size", fc.BatchSize, &cfg.BatchSize)
	s.setInt("egress-queue", fc.EgressQueue, &cfg.EgressQueue)

	s.setBool("auto-network", fc.AutoConfigureNetwork, &cfg.AutoConfigureNetwork)
	s.setBool("direct", fc.Direct, &cfg.Direct)
	s.setBool("announce", fc.Announce, &cfg.Announce)
	s.setBool("debug", fc.Debug, &cfg.Debug)
}

// ToFile converts cfg to its file layout.
func ToFile(cfg Config) FileConfig {
	return FileConfig{
		ServerURL:            cfg.ServerURL,
		ClientAlias:          cfg.ClientAlias,
		DefaultPeerAlias:     cfg.DefaultPeerAlias,
		AutoConfigureNetwork: &cfg.AutoConfigureNetwork,
		LocalIP:              cfg.LocalIP,
		SubnetMask:           cfg.SubnetMask,
		NetworksToRoute:      cfg.NetworksToRoute,
		AdapterName:          cfg.AdapterName,
		MTU:                  cfg.MTU,
		RingCapacity:         cfg.RingCapacity,
		FragmentSize:         cfg.FragmentSize,
		BatchSize:            cfg.BatchSize,
		EgressQueue:          cfg.EgressQueue,
		ReceiveDir:           cfg.ReceiveDir,
		Direct:               &cfg.Direct,
		STUNServers:          cfg.STUNServers,
		HubListen:            cfg.HubListen,
		Announce:             &cfg.Announce,
		MetricsAddr:          cfg.MetricsAddr,
		LogFile:              cfg.LogFile,
		Debug:                &cfg.Debug,
	}
}

// Encode renders cfg in the config file format.
func Encode(cfg Config) ([]byte, error) {
	b, err := toml.Marshal(ToFile(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return b, nil
}

// Save writes cfg to path, creating the directory when needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("%w: no config path", ErrInvalid)
	}
	b, err := Encode(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
