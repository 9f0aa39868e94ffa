package kv

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// SaveUser upserts a user row keyed by lowercased address.
func (s *Store) SaveUser(_ context.Context, u *db.User) error {
	enc, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "could not encode user")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Put(userKey(u.Address), enc)
	})
}

// User retrieves a user by address, case-insensitively.
func (s *Store) User(_ context.Context, address string) (*db.User, error) {
	var u *db.User
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(usersBucket).Get(userKey(address))
		if enc == nil {
			return db.ErrNotFound
		}
		u = &db.User{}
		return json.Unmarshal(enc, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Users returns every registered user.
func (s *Store) Users(_ context.Context) ([]*db.User, error) {
	users := make([]*db.User, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, enc []byte) error {
			u := &db.User{}
			if err := json.Unmarshal(enc, u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func userKey(address string) []byte {
	return []byte(strings.ToLower(address))
}
