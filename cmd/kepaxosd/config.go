package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the on-disk TOML layout: peers, this replica's
// position, timeouts, storage, and listen/metrics addresses. ListenAddr is
// the local bind address and may differ from this replica's entry in
// Peers, which is the address other replicas dial (e.g. binding
// 0.0.0.0:PORT while advertising a routable host:PORT to the group).
type fileConfig struct {
	Peers        []peerConfig `toml:"peer"`
	MyIndex      uint8        `toml:"my_index"`
	TimeoutMS    int          `toml:"timeout_ms"`
	LogPath      string       `toml:"log_path"`
	ListenAddr   string       `toml:"listen_addr"`
	MetricsAddr  string       `toml:"metrics_addr"`
	StatsdAddr   string       `toml:"statsd_addr"`
	CacheMaxKeys int64        `toml:"cache_max_keys"`
}

type peerConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("kepaxosd: reading config %s: %w", path, err)
	}
	if len(cfg.Peers) == 0 {
		return fileConfig{}, fmt.Errorf("kepaxosd: config %s: at least one [[peer]] is required", path)
	}
	if int(cfg.MyIndex) >= len(cfg.Peers) {
		return fileConfig{}, fmt.Errorf("kepaxosd: config %s: my_index %d out of range for %d peers", path, cfg.MyIndex, len(cfg.Peers))
	}
	if cfg.LogPath == "" {
		return fileConfig{}, fmt.Errorf("kepaxosd: config %s: log_path is required", path)
	}
	if cfg.ListenAddr == "" {
		return fileConfig{}, fmt.Errorf("kepaxosd: config %s: listen_addr is required", path)
	}
	if cfg.CacheMaxKeys == 0 {
		cfg.CacheMaxKeys = 1_000_000
	}
	return cfg, nil
}

func (c fileConfig) timeout() time.Duration {
	if c.TimeoutMS == 0 {
		return 0
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c fileConfig) peerNames() []string {
	names := make([]string, len(c.Peers))
	for i, p := range c.Peers {
		names[i] = p.Name
	}
	return names
}

func (c fileConfig) peerAddrs() map[string]string {
	addrs := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		addrs[p.Name] = p.Addr
	}
	return addrs
}
