package db

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrHeadMismatch is returned by CommitBlock when the proposal no longer
// extends the local chain head.
var ErrHeadMismatch = errors.New("chain head mismatch")

// Database is the persistence interface the node's services depend on.
type Database interface {
	io.Closer
	DatabasePath() string
	ClearDB() error

	// Users.
	SaveUser(ctx context.Context, u *User) error
	User(ctx context.Context, address string) (*User, error)
	Users(ctx context.Context) ([]*User, error)

	// Messages.
	SaveMessage(ctx context.Context, m *Message) (uint64, error)
	MarkDelivered(ctx context.Context, ids []uint64) error
	UndeliveredMessages(ctx context.Context, recipient string) ([]*Message, error)
	ConversationMessages(ctx context.Context, rootID string, limit int, before int64) ([]*Message, error)
	UncommittedCIDs(ctx context.Context, limit int) ([]string, error)

	// Blocks.
	HeadHash(ctx context.Context) (string, error)
	BlockByIndex(ctx context.Context, idx uint64) (*Block, error)
	HighestBlockIndex(ctx context.Context) (uint64, error)
	CommitBlock(ctx context.Context, b *Block) (uint64, error)

	// Peers.
	UpsertPeer(ctx context.Context, url string, lastSeen int64) error
	Peers(ctx context.Context) ([]*Peer, error)
	ActivePeers(ctx context.Context, cutoff int64) ([]*Peer, error)
	PrunePeers(ctx context.Context, cutoff int64) (int, error)
}
