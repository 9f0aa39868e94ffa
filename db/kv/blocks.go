package kv

import (
	"context"
	"encoding/json"

	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// HeadHash returns the block hash of the highest-index block, or the genesis
// sentinel when the chain is empty.
func (s *Store) HeadHash(_ context.Context) (string, error) {
	var head string
	err := s.db.View(func(tx *bolt.Tx) error {
		h, err := headHashTx(tx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	if err != nil {
		return "", err
	}
	return head, nil
}

// BlockByIndex retrieves a block row.
func (s *Store) BlockByIndex(_ context.Context, idx uint64) (*db.Block, error) {
	var b *db.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(blocksBucket).Get(uint64ToBytes(idx))
		if enc == nil {
			return db.ErrNotFound
		}
		b = &db.Block{}
		return json.Unmarshal(enc, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// HighestBlockIndex returns the index of the chain head, 0 when empty.
func (s *Store) HighestBlockIndex(_ context.Context) (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(blocksBucket).Cursor().Last()
		if k != nil {
			idx = bytesToUint64(k)
		}
		return nil
	})
	return idx, err
}

// CommitBlock appends b to the chain and marks its CIDs committed, all in
// one write transaction. The head is re-checked inside the transaction, so
// two racing commits against the same head cannot both succeed; the loser
// gets db.ErrHeadMismatch. The block index is assigned here.
func (s *Store) CommitBlock(_ context.Context, b *db.Block) (uint64, error) {
	var idx uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		head, err := headHashTx(tx)
		if err != nil {
			return err
		}
		if b.PreviousHash != head {
			return errors.Wrapf(db.ErrHeadMismatch, "previous_hash %s, local head %s", b.PreviousHash, head)
		}
		bkt := tx.Bucket(blocksBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return errors.Wrap(err, "could not allocate block index")
		}
		b.Index = seq
		idx = seq
		enc, err := json.Marshal(b)
		if err != nil {
			return errors.Wrap(err, "could not encode block")
		}
		if err := bkt.Put(uint64ToBytes(seq), enc); err != nil {
			return err
		}
		return markCommitted(tx, b.CIDs)
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

func headHashTx(tx *bolt.Tx) (string, error) {
	_, v := tx.Bucket(blocksBucket).Cursor().Last()
	if v == nil {
		return db.GenesisHash, nil
	}
	b := &db.Block{}
	if err := json.Unmarshal(v, b); err != nil {
		return "", errors.Wrap(err, "could not decode head block")
	}
	return b.Hash(), nil
}
