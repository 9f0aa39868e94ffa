// Package config holds the relayer node configuration: network identity,
// peer seeds, storage and consensus tunables. Values come from defaults, an
// optional YAML file, and CLI flag overrides, in that order.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config describes every recognized node option.
type Config struct {
	// NodeURL is this node's canonical origin, advertised to peers.
	NodeURL string `yaml:"node_url"`
	// BootstrapNode is the seed node contacted at startup. The
	// BOOTSTRAP_NODE environment variable overrides it.
	BootstrapNode string `yaml:"bootstrap_node"`
	// Peers is the static seed peer list.
	Peers []string `yaml:"peers"`

	// Redundancy is both the local slot count and the replication fan-out.
	Redundancy int `yaml:"redundancy"`
	// RelayerStoragePath is the base directory for blob slots.
	RelayerStoragePath string `yaml:"relayer_storage_path"`
	// SlotQuotaBytes caps the size of each blob slot directory.
	SlotQuotaBytes int64 `yaml:"slot_quota_bytes"`
	// MaxPayloadBytes caps the canonical size of an uploaded payload.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	ProposalIntervalSeconds int     `yaml:"proposal_interval_seconds"`
	MajorityFraction        float64 `yaml:"majority_fraction"`

	PeerHeartbeatIntervalSecs int      `yaml:"peer_heartbeat_interval_secs"`
	PeerStaleAfterSecs        int      `yaml:"peer_stale_after_secs"`
	RequirePeerAuth           bool     `yaml:"require_peer_auth"`
	PeerAllowlist             []string `yaml:"peer_allowlist"`
	AllowLocalPeers           bool     `yaml:"allow_local_peers"`

	SessionWindowSecs int64 `yaml:"session_window_secs"`

	// DataDir holds the bbolt database and the node key.
	DataDir string `yaml:"data_dir"`
	// HTTPAddr is the host:port the API and WebSocket server binds.
	HTTPAddr string `yaml:"http_addr"`
	// MetricsAddr is the host:port of the prometheus listener. Empty
	// disables the metrics service.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeURL:                   "http://127.0.0.1:3000",
		Peers:                     []string{},
		Redundancy:                3,
		RelayerStoragePath:        "relayer_storage",
		SlotQuotaBytes:            5 << 30,
		MaxPayloadBytes:           10 << 20,
		ProposalIntervalSeconds:   20,
		MajorityFraction:          0.51,
		PeerHeartbeatIntervalSecs: 60,
		PeerStaleAfterSecs:        300,
		RequirePeerAuth:           false,
		PeerAllowlist:             []string{},
		AllowLocalPeers:           true,
		SessionWindowSecs:         3600,
		DataDir:                   "relayer_data",
		HTTPAddr:                  "127.0.0.1:3000",
		MetricsAddr:               "127.0.0.1:9090",
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := ioutil.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", path)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse config file %s", path)
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Redundancy < 1 {
		return errors.New("redundancy must be at least 1")
	}
	if c.MajorityFraction <= 0 || c.MajorityFraction > 1 {
		return errors.New("majority_fraction must be in (0, 1]")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("max_payload_bytes must be positive")
	}
	if c.ProposalIntervalSeconds <= 0 {
		return errors.New("proposal_interval_seconds must be positive")
	}
	return nil
}
