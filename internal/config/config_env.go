package config

import "os"

// ApplyEnvConfig applies configuration from environment variables (RELAYTUN_*).
// It respects flags that have been explicitly set (changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("server", os.Getenv("RELAYTUN_SERVER_URL"), &cfg.ServerURL)
	s.setString("alias", os.Getenv("RELAYTUN_CLIENT_ALIAS"), &cfg.ClientAlias)
	s.setString("peer", os.Getenv("RELAYTUN_PEER_ALIAS"), &cfg.DefaultPeerAlias)
	s.setString("local-ip", os.Getenv("RELAYTUN_LOCAL_IP"), &cfg.LocalIP)
	s.setString("subnet-mask", os.Getenv("RELAYTUN_SUBNET_MASK"), &cfg.SubnetMask)
	s.setString("adapter", os.Getenv("RELAYTUN_ADAPTER_NAME"), &cfg.AdapterName)
	s.setString("receive-dir", os.Getenv("RELAYTUN_RECEIVE_DIR"), &cfg.ReceiveDir)
	s.setString("listen", os.Getenv("RELAYTUN_HUB_LISTEN"), &cfg.HubListen)
	s.setString("metrics-addr", os.Getenv("RELAYTUN_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("log-file", os.Getenv("RELAYTUN_LOG_FILE"), &cfg.LogFile)

	s.setListFromString("route", os.Getenv("RELAYTUN_NETWORKS_TO_ROUTE"), &cfg.NetworksToRoute)
	s.setListFromString("stun", os.Getenv("RELAYTUN_STUN_SERVERS"), &cfg.STUNServers)

	if err := s.setIntFromString("mtu", os.Getenv("RELAYTUN_MTU"), &cfg.MTU); err != nil {
		return err
	}
	if err := s.setIntFromString("ring-capacity", os.Getenv("RELAYTUN_RING_CAPACITY"), &cfg.RingCapacity); err != nil {
		return err
	}
	if err := s.setIntFromString("fragment-size", os.Getenv("RELAYTUN_FRAGMENT_SIZE"), &cfg.FragmentSize); err != nil {
		return err
	}
	if err := s.setIntFromString("batch-size", os.Getenv("RELAYTUN_BATCH_SIZE"), &cfg.BatchSize); err != nil {
		return err
	}
	if err := s.setIntFromString("egress-queue", os.Getenv("RELAYTUN_EGRESS_QUEUE"), &cfg.EgressQueue); err != nil {
		return err
	}

	s.setBoolFromString("auto-network", os.Getenv("RELAYTUN_AUTO_CONFIGURE_NETWORK"), &cfg.AutoConfigureNetwork)
	s.setBoolFromString("direct", os.Getenv("RELAYTUN_DIRECT"), &cfg.Direct)
	s.setBoolFromString("announce", os.Getenv("RELAYTUN_ANNOUNCE"), &cfg.Announce)
	s.setBoolFromString("debug", os.Getenv("RELAYTUN_DEBUG"), &cfg.Debug)

	return nil
}

// Load layers the config file at path (when it exists) and the environment
// over cfg, skipping every flag in changed.
func Load(cfg *Config, path string, changed map[string]bool) error {
	if path != "" && FileExists(path) {
		fc, err := LoadFileConfig(path)
		if err != nil {
			return err
		}
		ApplyFileConfig(cfg, fc, changed)
	}
	return ApplyEnvConfig(cfg, changed)
}
