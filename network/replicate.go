package network

import (
	"context"
	"math/rand"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var replicationsSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relayer_replications_sent_total",
	Help: "Payload replications accepted by peers.",
})

type replicateRequest struct {
	CID     string      `json:"cid"`
	Payload interface{} `json:"payload"`
}

// Replicate fans the payload out to up to redundancy random candidate peers.
// Replication is best effort: individual failures are logged and swallowed,
// durability comes from the origin node's local slots.
func (c *Client) Replicate(ctx context.Context, cid string, payload interface{}) {
	candidates, err := c.Candidates(ctx)
	if err != nil {
		log.WithError(err).Error("Could not list replication candidates")
		return
	}
	k := c.cfg.Redundancy
	if k > len(candidates) {
		k = len(candidates)
	}
	if k == 0 {
		return
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	selected := candidates[:k]
	log.WithFields(map[string]interface{}{
		"cid":   shortCID(cid),
		"peers": selected,
	}).Debug("Replicating payload")

	g, gctx := errgroup.WithContext(ctx)
	body := &replicateRequest{CID: cid, Payload: payload}
	for _, peer := range selected {
		peer := peer
		g.Go(func() error {
			status, err := c.PostJSON(gctx, peer, "/api/replicate", body, nil, 0)
			if err != nil {
				log.WithError(err).WithField("peer", peer).Debug("Replication failed")
				return nil
			}
			if status == http.StatusOK {
				replicationsSent.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func shortCID(cid string) string {
	if len(cid) > 8 {
		return cid[:8]
	}
	return cid
}
