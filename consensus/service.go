package consensus

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"sync"
	"time"

	"github.com/blocknet/relayer/blobs"
	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/crypto"
	"github.com/blocknet/relayer/db"
	"github.com/blocknet/relayer/network"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("prefix", "consensus")

var (
	proposalsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_proposals_sent_total",
		Help: "Block proposals broadcast to peers.",
	})
	proposalsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_proposals_received_total",
		Help: "Block proposals received from peers.",
	})
	blocksCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_blocks_committed_total",
		Help: "Blocks appended to the local chain.",
	})
)

const (
	// proposalScanLimit caps how many pending CIDs one tick inspects.
	proposalScanLimit = 200
	// proposalBatchSize caps how many CIDs go into one block.
	proposalBatchSize = 20
	// voteTimeout bounds each per-peer proposal round trip.
	voteTimeout = 15 * time.Second
	// backoffOnError pauses the loop after an unexpected failure.
	backoffOnError = 5 * time.Second
)

// Service runs the periodic proposer and answers proposals from peers.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     *config.Config
	db      db.Database
	blobs   *blobs.Store
	client  *network.Client
	key     *ecdsa.PrivateKey
	address string
}

// Config options for the consensus service.
type Config struct {
	NodeConfig *config.Config
	Database   db.Database
	Blobs      *blobs.Store
	Client     *network.Client
	Key        *ecdsa.PrivateKey
}

// NewService creates the consensus service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg.NodeConfig,
		db:      cfg.Database,
		blobs:   cfg.Blobs,
		client:  cfg.Client,
		key:     cfg.Key,
		address: crypto.AddressOf(cfg.Key),
	}
}

// Start spawns the proposer loop.
func (s *Service) Start() {
	log.WithFields(logrus.Fields{
		"interval": s.cfg.ProposalIntervalSeconds,
		"proposer": s.address,
	}).Info("Starting proposer loop")
	go s.run()
}

// Stop terminates the proposer loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil; a failed round is retried next tick.
func (s *Service) Status() error {
	return nil
}

func (s *Service) run() {
	ticker := time.NewTicker(time.Duration(s.cfg.ProposalIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(); err != nil {
				log.WithError(err).Error("Proposal round failed")
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(backoffOnError):
				}
			}
		}
	}
}

// tick runs one proposal round: batch pending CIDs, solicit votes, commit on
// majority, and broadcast the committed block.
func (s *Service) tick() error {
	pending, err := s.db.UncommittedCIDs(s.ctx, proposalScanLimit)
	if err != nil {
		return errors.Wrap(err, "could not read pending cids")
	}
	if len(pending) == 0 {
		return nil
	}
	batch := pending
	if len(batch) > proposalBatchSize {
		batch = batch[:proposalBatchSize]
	}
	head, err := s.db.HeadHash(s.ctx)
	if err != nil {
		return errors.Wrap(err, "could not read chain head")
	}
	proposal, err := BuildProposal(s.key, head, batch, time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "could not build proposal")
	}

	yes := 1 + s.solicitVotes(proposal) // self always votes yes
	needed := s.majorityNeeded()
	if yes < needed {
		log.WithFields(logrus.Fields{
			"yes":    yes,
			"needed": needed,
			"cids":   len(batch),
		}).Info("Proposal did not reach majority")
		return nil
	}
	idx, err := s.commit(proposal)
	if err != nil {
		if errors.Is(err, db.ErrHeadMismatch) {
			// Another writer advanced the chain; re-batch next tick.
			log.WithError(err).Warn("Abandoning proposal, chain head moved")
			return nil
		}
		return errors.Wrap(err, "could not commit block")
	}
	log.WithFields(logrus.Fields{
		"idx":  idx,
		"cids": len(batch),
		"yes":  yes,
	}).Info("Committed block")
	s.broadcastCommit(proposal)
	return nil
}

// majorityNeeded computes the vote threshold over the configured peer set.
func (s *Service) majorityNeeded() int {
	peerCount := len(s.cfg.Peers)
	if peerCount < 1 {
		peerCount = 1
	}
	return int(float64(peerCount)*s.cfg.MajorityFraction) + 1
}

// solicitVotes broadcasts the proposal and counts yes votes. Unreachable
// peers and error replies count as no.
func (s *Service) solicitVotes(p *BlockProposal) int {
	candidates, err := s.client.Candidates(s.ctx)
	if err != nil {
		log.WithError(err).Error("Could not list voting peers")
		return 0
	}
	var mu sync.Mutex
	yes := 0
	g, gctx := errgroup.WithContext(s.ctx)
	for _, peer := range candidates {
		peer := peer
		g.Go(func() error {
			var vote Vote
			status, err := s.client.PostJSON(gctx, peer, "/api/proposal", p, &vote, voteTimeout)
			if err != nil {
				log.WithError(err).WithField("peer", peer).Debug("Vote solicitation failed")
				return nil
			}
			if status == http.StatusOK && vote.Vote {
				mu.Lock()
				yes++
				mu.Unlock()
			} else if vote.Reason != "" {
				log.WithFields(logrus.Fields{"peer": peer, "reason": vote.Reason}).Debug("Peer voted no")
			}
			return nil
		})
	}
	_ = g.Wait()
	proposalsSent.Inc()
	return yes
}

// ValidateProposal applies the voter checks and returns the vote a peer
// would cast for p.
func (s *Service) ValidateProposal(ctx context.Context, p *BlockProposal) *Vote {
	proposalsReceived.Inc()
	head, err := s.db.HeadHash(ctx)
	if err != nil {
		log.WithError(err).Error("Could not read chain head for vote")
		return &Vote{Vote: false, Reason: ReasonHeadMismatch}
	}
	if p.PreviousHash != head {
		return &Vote{Vote: false, Reason: ReasonHeadMismatch}
	}
	if MerkleRoot(p.CIDs) != p.MerkleRoot {
		return &Vote{Vote: false, Reason: ReasonMerkleMismatch}
	}
	if !p.VerifySignature() {
		return &Vote{Vote: false, Reason: ReasonInvalidSignature}
	}
	have := 0
	for _, cid := range p.CIDs {
		if s.blobs.Has(cid) {
			have++
		}
	}
	if have == 0 {
		return &Vote{Vote: false, Reason: ReasonNoLocalData}
	}
	return &Vote{Vote: true, HaveCount: have}
}

// ApplyCommit appends a block another proposer committed. The proposal is
// re-validated in full; the head continuity check runs inside the commit
// transaction.
func (s *Service) ApplyCommit(ctx context.Context, p *BlockProposal) error {
	if MerkleRoot(p.CIDs) != p.MerkleRoot {
		return errors.New(ReasonMerkleMismatch)
	}
	if !p.VerifySignature() {
		return errors.New(ReasonInvalidSignature)
	}
	idx, err := s.commitWithContext(ctx, p)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"idx":      idx,
		"proposer": p.Proposer,
		"cids":     len(p.CIDs),
	}).Info("Applied block commit from peer")
	return nil
}

func (s *Service) commit(p *BlockProposal) (uint64, error) {
	return s.commitWithContext(s.ctx, p)
}

func (s *Service) commitWithContext(ctx context.Context, p *BlockProposal) (uint64, error) {
	block := &db.Block{
		PreviousHash: p.PreviousHash,
		// Re-derive rather than trust the wire value.
		MerkleRoot: MerkleRoot(p.CIDs),
		CIDs:       p.CIDs,
		Proposer:   p.Proposer,
		Signature:  p.Signature,
		Timestamp:  p.Timestamp,
	}
	idx, err := s.db.CommitBlock(ctx, block)
	if err != nil {
		return 0, err
	}
	blocksCommitted.Inc()
	return idx, nil
}

// broadcastCommit pushes the committed proposal to every candidate peer so
// non-proposers converge on the same chain. Best effort: a peer that misses
// the broadcast catches up on a later proposal it can validate.
func (s *Service) broadcastCommit(p *BlockProposal) {
	candidates, err := s.client.Candidates(s.ctx)
	if err != nil {
		log.WithError(err).Error("Could not list peers for commit broadcast")
		return
	}
	g, gctx := errgroup.WithContext(s.ctx)
	for _, peer := range candidates {
		peer := peer
		g.Go(func() error {
			if _, err := s.client.PostJSON(gctx, peer, "/api/commit", p, nil, voteTimeout); err != nil {
				log.WithError(err).WithField("peer", peer).Debug("Commit broadcast failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
