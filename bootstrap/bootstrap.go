// Package bootstrap joins a fresh node to the mesh: it registers this node
// with a seed relayer and imports the seed's active peer list. Bootstrap is
// best effort; a node with no reachable seed still serves local traffic.
package bootstrap

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/crypto"
	"github.com/blocknet/relayer/db"
	"github.com/blocknet/relayer/network"
	"github.com/blocknet/relayer/peers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "bootstrap")

// BootstrapNodeEnv overrides the configured seed node URL.
const BootstrapNodeEnv = "BOOTSTRAP_NODE"

// Config options for a bootstrap run.
type Config struct {
	NodeConfig *config.Config
	Database   db.Database
	Client     *network.Client
	Key        *ecdsa.PrivateKey
}

type peerListResponse struct {
	OK    bool       `json:"ok"`
	Peers []*db.Peer `json:"peers"`
}

// Run registers this node with the seed and pulls its peer list. Returns nil
// when no seed is configured.
func Run(ctx context.Context, cfg *Config) error {
	seed := seedURL(cfg.NodeConfig)
	if seed == "" {
		log.Debug("No bootstrap node configured, skipping")
		return nil
	}
	self, err := peers.CanonicalizeURL(cfg.NodeConfig.NodeURL)
	if err != nil {
		return errors.Wrap(err, "own node_url is not a valid origin")
	}
	if seed == self {
		log.Debug("Bootstrap node is self, skipping")
		return nil
	}

	address := crypto.AddressOf(cfg.Key)
	ts := time.Now().Unix()
	sig, err := crypto.SignText(cfg.Key, peers.RegistrationText(self, ts, address))
	if err != nil {
		return errors.Wrap(err, "could not sign registration")
	}
	req := &peers.RegisterRequest{URL: self, Address: address, Timestamp: ts, Signature: sig}
	status, err := cfg.Client.PostJSON(ctx, seed, "/api/register_peer", req, nil, 0)
	if err != nil {
		return errors.Wrapf(err, "could not reach bootstrap node %s", seed)
	}
	if status != http.StatusOK {
		return errors.Errorf("bootstrap node %s rejected registration with status %d", seed, status)
	}

	var list peerListResponse
	if _, err := cfg.Client.GetJSON(ctx, seed, "/api/peers?activeOnly=true", &list); err != nil {
		return errors.Wrap(err, "could not pull seed peer list")
	}
	now := time.Now().Unix()
	imported := 0
	for _, p := range list.Peers {
		// The seed's table is not trusted as-is; imports pass the same URL
		// validation as a direct registration.
		canon, err := peers.CanonicalizeURL(p.URL)
		if err != nil {
			log.WithError(err).WithField("peer", p.URL).Debug("Skipping invalid peer from seed")
			continue
		}
		if canon == self {
			continue
		}
		if err := cfg.Database.UpsertPeer(ctx, canon, p.LastSeen); err != nil {
			log.WithError(err).WithField("peer", canon).Warn("Could not import peer")
			continue
		}
		imported++
	}
	if err := cfg.Database.UpsertPeer(ctx, seed, now); err != nil {
		return errors.Wrap(err, "could not persist bootstrap node as peer")
	}
	log.WithFields(logrus.Fields{
		"seed":     seed,
		"imported": imported,
	}).Info("Bootstrapped into mesh")
	return nil
}

// seedURL resolves the seed node, preferring the environment override.
func seedURL(cfg *config.Config) string {
	if env := os.Getenv(BootstrapNodeEnv); env != "" {
		return strings.TrimSuffix(env, "/")
	}
	return strings.TrimSuffix(cfg.BootstrapNode, "/")
}
