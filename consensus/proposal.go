// Package consensus implements the round-based block proposal loop: batching
// uncommitted CIDs, soliciting peer votes, committing on majority, and
// validating proposals received from other proposers.
package consensus

import (
	"crypto/ecdsa"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/blocknet/relayer/crypto"
	"github.com/pkg/errors"
)

// BlockProposal is the wire form of a proposed block. The index is assigned
// at commit time by each node.
type BlockProposal struct {
	PreviousHash string   `json:"previous_hash"`
	MerkleRoot   string   `json:"merkle_root"`
	CIDs         []string `json:"cids"`
	Proposer     string   `json:"proposer"`
	Timestamp    int64    `json:"timestamp"`
	Signature    string   `json:"signature"`
}

// Vote is a peer's reply to a proposal.
type Vote struct {
	Vote      bool   `json:"vote"`
	Reason    string `json:"reason,omitempty"`
	HaveCount int    `json:"have_count,omitempty"`
}

// Rejection reasons carried in no-votes.
const (
	ReasonHeadMismatch     = "head_mismatch"
	ReasonMerkleMismatch   = "merkle_mismatch"
	ReasonInvalidSignature = "invalid_signature"
	ReasonNoLocalData      = "no_local_data"
)

// MerkleRoot is the ordered-digest commitment over a CID batch: SHA-256 of
// the hex CID strings concatenated in list order, no separator.
func MerkleRoot(cids []string) string {
	return crypto.SHA256Hex([]byte(strings.Join(cids, "")))
}

// SigningText is the canonical JSON array a proposer signs:
// [previous_hash, merkle_root, cids, proposer, timestamp].
func (p *BlockProposal) SigningText() (string, error) {
	cids := make([]interface{}, len(p.CIDs))
	for i, c := range p.CIDs {
		cids[i] = c
	}
	enc, err := crypto.CanonicalJSON([]interface{}{
		p.PreviousHash,
		p.MerkleRoot,
		cids,
		p.Proposer,
		json.Number(strconv.FormatInt(p.Timestamp, 10)),
	})
	if err != nil {
		return "", errors.Wrap(err, "could not encode proposal signing text")
	}
	return string(enc), nil
}

// BuildProposal assembles and signs a proposal extending head with the given
// CID batch.
func BuildProposal(key *ecdsa.PrivateKey, head string, cids []string, timestamp int64) (*BlockProposal, error) {
	p := &BlockProposal{
		PreviousHash: head,
		MerkleRoot:   MerkleRoot(cids),
		CIDs:         cids,
		Proposer:     crypto.AddressOf(key),
		Timestamp:    timestamp,
	}
	text, err := p.SigningText()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.SignText(key, text)
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p, nil
}

// VerifySignature checks the proposal signature against its proposer.
func (p *BlockProposal) VerifySignature() bool {
	text, err := p.SigningText()
	if err != nil {
		return false
	}
	return crypto.VerifyText(p.Proposer, text, p.Signature)
}
