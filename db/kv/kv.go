// Package kv implements the relayer database on BoltDB. All writes go
// through single-writer update transactions, which is what serializes block
// commits against the chain head check.
package kv

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const databaseFileName = "relayer.db"

var _ db.Database = (*Store)(nil)

// Store is the bbolt-backed implementation of db.Database.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewKVStore opens (or creates) the database under dirPath and ensures the
// bucket schema exists.
func NewKVStore(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := filepath.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	kv := &Store{db: boltDB, databasePath: dirPath}
	if err := kv.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			usersBucket,
			messagesBucket,
			blocksBucket,
			peersBucket,
			messageRecipientIndexBucket,
			messageRootIndexBucket,
			messageCidIndexBucket,
			uncommittedIndexBucket,
		)
	}); err != nil {
		return nil, err
	}
	return kv, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// ClearDB removes the previously stored database in the data directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(filepath.Join(s.databasePath, databaseFileName))
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// int64ToBytes encodes a non-negative int64 in big-endian order so that
// lexicographic key order matches numeric order.
func int64ToBytes(v int64) []byte {
	if v < 0 {
		v = 0
	}
	return uint64ToBytes(uint64(v))
}
