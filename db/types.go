// Package db defines the relayer's persistence interface and the row types
// it stores: users, messages, blocks, and peers.
package db

import (
	"fmt"
	"strings"

	"github.com/blocknet/relayer/crypto"
)

// GenesisHash is the chain head value of an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// User is a registered client identity.
type User struct {
	Address   string `json:"address"`
	EncPub    string `json:"encPub"`
	SignPub   string `json:"signPub"`
	CreatedAt int64  `json:"createdAt"`
}

// Message is a delivery record for one ciphertext blob. Delivered and
// Committed are independent one-way flags.
type Message struct {
	ID        uint64 `json:"id"`
	CID       string `json:"cid"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
	Delivered bool   `json:"delivered"`
	RootID    string `json:"rootId"`
	SessionID string `json:"sessionId"`
	Committed bool   `json:"committed"`
}

// Block is one committed batch of CIDs, linked to its predecessor by hash.
type Block struct {
	Index        uint64   `json:"idx"`
	PreviousHash string   `json:"previous_hash"`
	MerkleRoot   string   `json:"merkle_root"`
	CIDs         []string `json:"cids"`
	Proposer     string   `json:"proposer"`
	Signature    string   `json:"signature"`
	Timestamp    int64    `json:"timestamp"`
}

// Hash computes the block hash:
// SHA256(idx|previous_hash|merkle_root|join(cids,",")|proposer|timestamp).
func (b *Block) Hash() string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s|%d",
		b.Index, b.PreviousHash, b.MerkleRoot, strings.Join(b.CIDs, ","), b.Proposer, b.Timestamp)
	return crypto.SHA256Hex([]byte(payload))
}

// Peer is another relayer node, keyed by canonical origin URL.
type Peer struct {
	URL      string `json:"url"`
	LastSeen int64  `json:"last_seen"`
}
