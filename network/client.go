// Package network is the outbound HTTP side of the relayer: JSON calls to
// peers, health probes, and the best-effort replication fan-out.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "network")

const (
	defaultTimeout = 10 * time.Second
	healthTimeout  = 3 * time.Second
)

// Client performs JSON HTTP calls against peer relayers. Successful
// responses (status < 500) refresh the peer's last_seen.
type Client struct {
	http *http.Client
	db   db.Database
	cfg  *config.Config
}

// NewClient builds a peer client over the database and node configuration.
func NewClient(database db.Database, cfg *config.Config) *Client {
	return &Client{
		http: &http.Client{Timeout: defaultTimeout},
		db:   database,
		cfg:  cfg,
	}
}

// PostJSON POSTs body to peerURL+path and decodes the response into out when
// out is non-nil. A non-positive timeout uses the client default.
func (c *Client) PostJSON(ctx context.Context, peerURL, path string, body, out interface{}, timeout time.Duration) (int, error) {
	enc, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "could not encode request body")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(peerURL, "/")+path, bytes.NewReader(enc))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, peerURL, out)
}

// GetJSON GETs peerURL+path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, peerURL, path string, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(peerURL, "/")+path, nil)
	if err != nil {
		return 0, err
	}
	return c.do(req, peerURL, out)
}

// Health probes a peer's /health endpoint.
func (c *Client) Health(ctx context.Context, peerURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(peerURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(ioutil.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(req *http.Request, peerURL string, out interface{}) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < http.StatusInternalServerError {
		canon := strings.TrimSuffix(peerURL, "/")
		if err := c.db.UpsertPeer(req.Context(), canon, time.Now().Unix()); err != nil {
			log.WithError(err).WithField("peer", canon).Debug("Could not refresh peer last_seen")
		}
	}
	if out != nil {
		raw, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, errors.Wrap(err, "could not decode response body")
			}
		}
	}
	return resp.StatusCode, nil
}

// Candidates returns the deduplicated peer URLs this node may contact:
// active peers from the database, falling back to the configured seed list,
// always excluding the node itself.
func (c *Client) Candidates(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-time.Duration(c.cfg.PeerStaleAfterSecs) * time.Second).Unix()
	active, err := c.db.ActivePeers(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	pool := make([]string, 0, len(active))
	for _, p := range active {
		pool = append(pool, p.URL)
	}
	if len(pool) == 0 {
		pool = c.cfg.Peers
	}
	self := strings.TrimSuffix(c.cfg.NodeURL, "/")
	seen := make(map[string]bool)
	out := make([]string, 0, len(pool))
	for _, p := range pool {
		base := strings.TrimSuffix(p, "/")
		if base == "" || base == self || seen[base] {
			continue
		}
		seen[base] = true
		out = append(out, base)
	}
	return out, nil
}
