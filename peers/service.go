package peers

import (
	"context"
	"time"

	"github.com/blocknet/relayer/db"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "peers")

// backoffOnError is how long loops pause after an unexpected failure.
const backoffOnError = 5 * time.Second

// HealthChecker probes a peer's /health endpoint.
type HealthChecker interface {
	Health(ctx context.Context, peerURL string) bool
}

// Service is the peer heartbeat loop: it pings every known peer, bumps
// last_seen for the live ones, and prunes peers that have gone stale.
type Service struct {
	ctx        context.Context
	cancel     context.CancelFunc
	db         db.Database
	checker    HealthChecker
	interval   time.Duration
	staleAfter time.Duration
}

// Config options for the heartbeat service.
type Config struct {
	Database   db.Database
	Checker    HealthChecker
	Interval   time.Duration
	StaleAfter time.Duration
}

// NewService creates the heartbeat service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:        ctx,
		cancel:     cancel,
		db:         cfg.Database,
		checker:    cfg.Checker,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
	}
}

// Start spawns the heartbeat loop.
func (s *Service) Start() {
	log.WithField("interval", s.interval).Info("Starting peer heartbeat")
	go s.run()
}

// Stop terminates the loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil; a failed heartbeat round is retried, not fatal.
func (s *Service) Status() error {
	return nil
}

func (s *Service) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(); err != nil {
				log.WithError(err).Error("Heartbeat round failed")
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(backoffOnError):
				}
			}
		}
	}
}

func (s *Service) tick() error {
	known, err := s.db.Peers(s.ctx)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, p := range known {
		if s.ctx.Err() != nil {
			return nil
		}
		if s.checker.Health(s.ctx, p.URL) {
			if err := s.db.UpsertPeer(s.ctx, p.URL, now); err != nil {
				return err
			}
		}
	}
	cutoff := time.Now().Add(-s.staleAfter).Unix()
	removed, err := s.db.PrunePeers(s.ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.WithField("removed", removed).Info("Pruned stale peers")
	}
	return nil
}
