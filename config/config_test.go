package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayer.yaml")
	body := `node_url: "http://10.0.0.5:4000"
redundancy: 5
majority_fraction: 0.67
peers:
  - "http://10.0.0.6:4000"
  - "http://10.0.0.7:4000"
require_peer_auth: true
`
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:4000", cfg.NodeURL)
	assert.Equal(t, 5, cfg.Redundancy)
	assert.Equal(t, 0.67, cfg.MajorityFraction)
	assert.Equal(t, []string{"http://10.0.0.6:4000", "http://10.0.0.7:4000"}, cfg.Peers)
	assert.True(t, cfg.RequirePeerAuth)
	// Untouched keys keep their defaults.
	assert.Equal(t, int64(3600), cfg.SessionWindowSecs)
	assert.Equal(t, 20, cfg.ProposalIntervalSeconds)
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayer.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("no_such_option: true\n"), 0600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero redundancy", func(c *Config) { c.Redundancy = 0 }},
		{"zero majority", func(c *Config) { c.MajorityFraction = 0 }},
		{"majority above one", func(c *Config) { c.MajorityFraction = 1.5 }},
		{"zero payload cap", func(c *Config) { c.MaxPayloadBytes = 0 }},
		{"zero proposal interval", func(c *Config) { c.ProposalIntervalSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
