package kv

import (
	"context"

	"github.com/blocknet/relayer/db"
	bolt "go.etcd.io/bbolt"
)

// UpsertPeer records (or refreshes) a peer keyed by its canonical URL.
func (s *Store) UpsertPeer(_ context.Context, url string, lastSeen int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(url), int64ToBytes(lastSeen))
	})
}

// Peers returns every known peer.
func (s *Store) Peers(_ context.Context) ([]*db.Peer, error) {
	return s.peersWhere(func(int64) bool { return true })
}

// ActivePeers returns peers whose last_seen is at or after cutoff.
func (s *Store) ActivePeers(_ context.Context, cutoff int64) ([]*db.Peer, error) {
	return s.peersWhere(func(lastSeen int64) bool { return lastSeen >= cutoff })
}

// PrunePeers deletes peers whose last_seen is before cutoff and reports how
// many were removed.
func (s *Store) PrunePeers(_ context.Context, cutoff int64) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(peersBucket)
		c := bkt.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(bytesToUint64(v)) < cutoff {
				stale = append(stale, append([]byte{}, k...))
			}
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) peersWhere(keep func(int64) bool) ([]*db.Peer, error) {
	peers := make([]*db.Peer, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			lastSeen := int64(bytesToUint64(v))
			if keep(lastSeen) {
				peers = append(peers, &db.Peer{URL: string(k), LastSeen: lastSeen})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}
