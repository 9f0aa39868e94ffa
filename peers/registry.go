// Package peers manages relayer membership: validated registration of peer
// URLs, optional signed admission, and the heartbeat loop that refreshes and
// prunes the peer table.
package peers

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/crypto"
	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
)

const (
	maxURLLength = 2048
	// maxClockSkew bounds how stale a signed registration may be.
	maxClockSkew = 300 * time.Second
)

// Registration failures, mapped to HTTP statuses by the API layer.
var (
	ErrInvalidURL     = errors.New("invalid peer url")
	ErrAuthRequired   = errors.New("peer authentication required")
	ErrStaleTimestamp = errors.New("stale registration timestamp")
	ErrBadSignature   = errors.New("invalid registration signature")
	ErrNotAllowed     = errors.New("peer not on allowlist")
	ErrLocalPeer      = errors.New("local peers not allowed")
)

// RegisterRequest is the body of POST /api/register_peer. Address, Timestamp
// and Signature are required only when the node enforces peer auth.
type RegisterRequest struct {
	URL       string `json:"url"`
	Address   string `json:"address,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// RegistrationText is the exact string a registering peer signs.
func RegistrationText(canonicalURL string, ts int64, address string) string {
	return fmt.Sprintf("register|%s|%d|%s", canonicalURL, ts, address)
}

// CanonicalizeURL validates a peer URL and reduces it to its canonical
// origin, scheme://host[:port]. Embedded credentials, queries, fragments,
// and non-root paths are rejected.
func CanonicalizeURL(raw string) (string, error) {
	if raw == "" || len(raw) > maxURLLength {
		return "", errors.Wrap(ErrInvalidURL, "empty or oversized url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(ErrInvalidURL, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Wrap(ErrInvalidURL, "unsupported scheme")
	}
	if u.Host == "" || u.User != nil {
		return "", errors.Wrap(ErrInvalidURL, "invalid host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", errors.Wrap(ErrInvalidURL, "url must not contain query or fragment")
	}
	if u.Path != "" && u.Path != "/" {
		return "", errors.Wrap(ErrInvalidURL, "url must be base origin only")
	}
	return strings.TrimSuffix(u.Scheme+"://"+u.Host, "/"), nil
}

// Registry applies the node's admission policy and persists peers.
type Registry struct {
	db  db.Database
	cfg *config.Config
	now func() time.Time
}

// NewRegistry builds a registry over the database using the node's policy
// configuration.
func NewRegistry(database db.Database, cfg *config.Config) *Registry {
	return &Registry{db: database, cfg: cfg, now: time.Now}
}

// Register validates req and upserts the peer, returning its canonical URL.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (string, error) {
	canon, err := CanonicalizeURL(req.URL)
	if err != nil {
		return "", err
	}
	if r.cfg.RequirePeerAuth {
		if req.Address == "" || req.Timestamp == 0 || req.Signature == "" {
			return "", ErrAuthRequired
		}
		now := r.now().Unix()
		if skew := now - req.Timestamp; skew > int64(maxClockSkew.Seconds()) || -skew > int64(maxClockSkew.Seconds()) {
			return "", ErrStaleTimestamp
		}
		if !crypto.VerifyText(req.Address, RegistrationText(canon, req.Timestamp, req.Address), req.Signature) {
			return "", ErrBadSignature
		}
		if len(r.cfg.PeerAllowlist) > 0 && !containsFold(r.cfg.PeerAllowlist, req.Address) {
			return "", ErrNotAllowed
		}
	}
	if !r.cfg.AllowLocalPeers {
		host := hostOf(canon)
		if isLocalHost(host) {
			return "", ErrLocalPeer
		}
	}
	if err := r.db.UpsertPeer(ctx, canon, r.now().Unix()); err != nil {
		return "", errors.Wrap(err, "could not persist peer")
	}
	log.WithField("peer", canon).Info("Registered peer")
	return canon, nil
}

func hostOf(canonicalURL string) string {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// isLocalHost reports loopback and RFC1918 hosts.
func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
