package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// SaveMessage inserts a delivery record, assigns its monotonic id, and
// maintains the recipient, root, cid, and uncommitted indexes.
func (s *Store) SaveMessage(_ context.Context, m *db.Message) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return errors.Wrap(err, "could not allocate message id")
		}
		m.ID = seq
		id = seq
		data, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "could not encode message")
		}
		idKey := uint64ToBytes(seq)
		if err := bkt.Put(idKey, data); err != nil {
			return err
		}
		if err := tx.Bucket(messageRecipientIndexBucket).Put(indexKey(strings.ToLower(m.Recipient), seq), nil); err != nil {
			return err
		}
		if err := tx.Bucket(messageRootIndexBucket).Put(indexKey(m.RootID, seq), nil); err != nil {
			return err
		}
		if err := tx.Bucket(messageCidIndexBucket).Put(indexKey(m.CID, seq), nil); err != nil {
			return err
		}
		if !m.Committed {
			key := append(int64ToBytes(m.Timestamp), idKey...)
			if err := tx.Bucket(uncommittedIndexBucket).Put(key, []byte(m.CID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// MarkDelivered sets delivered=1 on the given message ids. The transition is
// one-way; already-delivered rows are left untouched and unknown ids are
// ignored.
func (s *Store) MarkDelivered(_ context.Context, ids []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		for _, id := range ids {
			enc := bkt.Get(uint64ToBytes(id))
			if enc == nil {
				continue
			}
			m := &db.Message{}
			if err := json.Unmarshal(enc, m); err != nil {
				return err
			}
			if m.Delivered {
				continue
			}
			m.Delivered = true
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := bkt.Put(uint64ToBytes(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// UndeliveredMessages returns all rows for recipient with delivered=0, in id
// order.
func (s *Store) UndeliveredMessages(_ context.Context, recipient string) ([]*db.Message, error) {
	msgs := make([]*db.Message, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		c := tx.Bucket(messageRecipientIndexBucket).Cursor()
		prefix := indexPrefix(strings.ToLower(recipient))
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			enc := bkt.Get(k[len(prefix):])
			if enc == nil {
				continue
			}
			m := &db.Message{}
			if err := json.Unmarshal(enc, m); err != nil {
				return err
			}
			if !m.Delivered {
				msgs = append(msgs, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ConversationMessages returns up to limit rows for a conversation root,
// newest first by (timestamp, id), optionally restricted to timestamp <
// before when before > 0.
func (s *Store) ConversationMessages(_ context.Context, rootID string, limit int, before int64) ([]*db.Message, error) {
	msgs := make([]*db.Message, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		c := tx.Bucket(messageRootIndexBucket).Cursor()
		prefix := indexPrefix(rootID)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			enc := bkt.Get(k[len(prefix):])
			if enc == nil {
				continue
			}
			m := &db.Message{}
			if err := json.Unmarshal(enc, m); err != nil {
				return err
			}
			if before > 0 && m.Timestamp >= before {
				continue
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp > msgs[j].Timestamp
		}
		return msgs[i].ID > msgs[j].ID
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// UncommittedCIDs returns up to limit distinct CIDs of uncommitted messages,
// ordered by ascending message timestamp.
func (s *Store) UncommittedCIDs(_ context.Context, limit int) ([]string, error) {
	cids := make([]string, 0)
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(uncommittedIndexBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			cid := string(v)
			if seen[cid] {
				continue
			}
			seen[cid] = true
			cids = append(cids, cid)
			if limit > 0 && len(cids) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cids, nil
}

// markCommitted flips committed=1 on every message whose cid is in cids and
// drops their uncommitted index entries. Runs inside the commit transaction.
func markCommitted(tx *bolt.Tx, cids []string) error {
	bkt := tx.Bucket(messagesBucket)
	idx := tx.Bucket(messageCidIndexBucket)
	pending := tx.Bucket(uncommittedIndexBucket)
	for _, cid := range cids {
		c := idx.Cursor()
		prefix := indexPrefix(cid)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			idKey := k[len(prefix):]
			enc := bkt.Get(idKey)
			if enc == nil {
				continue
			}
			m := &db.Message{}
			if err := json.Unmarshal(enc, m); err != nil {
				return err
			}
			if !m.Committed {
				m.Committed = true
				data, err := json.Marshal(m)
				if err != nil {
					return err
				}
				if err := bkt.Put(idKey, data); err != nil {
					return err
				}
			}
			pendingKey := append(int64ToBytes(m.Timestamp), idKey...)
			if err := pending.Delete(pendingKey); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexKey builds "<value>\x00<big-endian id>" composite index keys.
func indexKey(value string, id uint64) []byte {
	return append(indexPrefix(value), uint64ToBytes(id)...)
}

func indexPrefix(value string) []byte {
	return append([]byte(value), 0x00)
}
