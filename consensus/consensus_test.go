package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blocknet/relayer/blobs"
	"github.com/blocknet/relayer/config"
	"github.com/blocknet/relayer/crypto"
	"github.com/blocknet/relayer/db"
	"github.com/blocknet/relayer/db/kv"
	"github.com/blocknet/relayer/network"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerkleRoot_ConcatenationDigest(t *testing.T) {
	cids := []string{"aa11", "bb22"}
	want := sha256.Sum256([]byte("aa11bb22"))
	assert.Equal(t, hex.EncodeToString(want[:]), MerkleRoot(cids))
	// Order matters.
	assert.NotEqual(t, MerkleRoot(cids), MerkleRoot([]string{"bb22", "aa11"}))
	// Empty batch hashes the empty string.
	empty := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(empty[:]), MerkleRoot(nil))
}

func TestSigningText_CanonicalArray(t *testing.T) {
	p := &BlockProposal{
		PreviousHash: "prev",
		MerkleRoot:   "merkle",
		CIDs:         []string{"c1", "c2"},
		Proposer:     "0xP",
		Timestamp:    1700000000,
	}
	text, err := p.SigningText()
	require.NoError(t, err)
	assert.Equal(t, `["prev","merkle",["c1","c2"],"0xP",1700000000]`, text)
}

func TestBuildProposal_SignatureVerifies(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	p, err := BuildProposal(key, db.GenesisHash, []string{"c1", "c2"}, 1700000000)
	require.NoError(t, err)
	assert.Equal(t, crypto.AddressOf(key), p.Proposer)
	assert.Equal(t, MerkleRoot([]string{"c1", "c2"}), p.MerkleRoot)
	assert.True(t, p.VerifySignature())

	tampered := *p
	tampered.CIDs = []string{"c1"}
	assert.False(t, tampered.VerifySignature())
}

type testEnv struct {
	svc   *Service
	store *kv.Store
	blobs *blobs.Store
	cfg   *config.Config
}

func setupService(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	store, err := kv.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	blobStore, err := blobs.NewStore(t.TempDir(), cfg.Redundancy, 0)
	require.NoError(t, err)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	svc := NewService(context.Background(), &Config{
		NodeConfig: cfg,
		Database:   store,
		Blobs:      blobStore,
		Client:     network.NewClient(store, cfg),
		Key:        key,
	})
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})
	return &testEnv{svc: svc, store: store, blobs: blobStore, cfg: cfg}
}

// storeBlob saves a payload locally and records a pending message for it,
// returning the CID.
func storeBlob(t *testing.T, env *testEnv, ciphertext string, ts int64) string {
	t.Helper()
	payload, err := crypto.DecodeJSON([]byte(`{"version":1,"ciphertext":"` + ciphertext + `","senderEncPub":"Y"}`))
	require.NoError(t, err)
	cid, err := env.blobs.Save(payload)
	require.NoError(t, err)
	_, err = env.store.SaveMessage(context.Background(), &db.Message{
		CID: cid, Sender: "0xA", Recipient: "0xB", Timestamp: ts, RootID: "root", SessionID: "sess",
	})
	require.NoError(t, err)
	return cid
}

func TestValidateProposal_VoteReasons(t *testing.T) {
	env := setupService(t, config.DefaultConfig())
	ctx := context.Background()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	cid := storeBlob(t, env, "X", 100)

	valid, err := BuildProposal(key, db.GenesisHash, []string{cid}, time.Now().Unix())
	require.NoError(t, err)

	t.Run("happy path", func(t *testing.T) {
		vote := env.svc.ValidateProposal(ctx, valid)
		assert.True(t, vote.Vote)
		assert.Equal(t, 1, vote.HaveCount)
	})

	t.Run("head mismatch", func(t *testing.T) {
		p, err := BuildProposal(key, "ff00", []string{cid}, time.Now().Unix())
		require.NoError(t, err)
		vote := env.svc.ValidateProposal(ctx, p)
		assert.False(t, vote.Vote)
		assert.Equal(t, ReasonHeadMismatch, vote.Reason)
	})

	t.Run("merkle mismatch", func(t *testing.T) {
		p := *valid
		p.MerkleRoot = "ffff"
		vote := env.svc.ValidateProposal(ctx, &p)
		assert.False(t, vote.Vote)
		assert.Equal(t, ReasonMerkleMismatch, vote.Reason)
	})

	t.Run("invalid signature", func(t *testing.T) {
		p := *valid
		p.Proposer = "0x0000000000000000000000000000000000000001"
		vote := env.svc.ValidateProposal(ctx, &p)
		assert.False(t, vote.Vote)
		assert.Equal(t, ReasonInvalidSignature, vote.Reason)
	})

	t.Run("no local data", func(t *testing.T) {
		missing := "0000000000000000000000000000000000000000000000000000000000000000"
		p, err := BuildProposal(key, db.GenesisHash, []string{missing}, time.Now().Unix())
		require.NoError(t, err)
		vote := env.svc.ValidateProposal(ctx, p)
		assert.False(t, vote.Vote)
		assert.Equal(t, ReasonNoLocalData, vote.Reason)
	})
}

func TestTick_CommitsOnMajority(t *testing.T) {
	var commits int
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/proposal":
			var p BlockProposal
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			assert.True(t, p.VerifySignature())
			_ = json.NewEncoder(w).Encode(&Vote{Vote: true, HaveCount: len(p.CIDs)})
		case "/api/commit":
			commits++
			_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer peer.Close()

	cfg := config.DefaultConfig()
	cfg.Peers = []string{peer.URL}
	env := setupService(t, cfg)
	ctx := context.Background()

	cid1 := storeBlob(t, env, "X", 100)
	cid2 := storeBlob(t, env, "Y", 101)

	require.NoError(t, env.svc.tick())

	block, err := env.store.BlockByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, db.GenesisHash, block.PreviousHash)
	assert.Equal(t, []string{cid1, cid2}, block.CIDs)
	assert.Equal(t, MerkleRoot(block.CIDs), block.MerkleRoot)
	assert.Equal(t, 1, commits, "committed block is broadcast to peers")

	// The batch left the pending set.
	pending, err := env.store.UncommittedCIDs(ctx, 200)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTick_NoCommitWithoutMajority(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&Vote{Vote: false, Reason: ReasonHeadMismatch})
	}))
	defer rejecting.Close()

	cfg := config.DefaultConfig()
	// Three configured peers: majority needs floor(3*0.51)+1 = 2 votes.
	cfg.Peers = []string{rejecting.URL, "http://127.0.0.1:1", "http://127.0.0.1:2"}
	env := setupService(t, cfg)

	storeBlob(t, env, "X", 100)
	require.NoError(t, env.svc.tick())

	_, err := env.store.BlockByIndex(context.Background(), 1)
	assert.ErrorIs(t, err, db.ErrNotFound)

	// The CID stays pending for the next tick.
	pending, err := env.store.UncommittedCIDs(context.Background(), 200)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTick_SkipsEmptyBatch(t *testing.T) {
	env := setupService(t, config.DefaultConfig())
	require.NoError(t, env.svc.tick())
	_, err := env.store.BlockByIndex(context.Background(), 1)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestApplyCommit(t *testing.T) {
	env := setupService(t, config.DefaultConfig())
	ctx := context.Background()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	cid := storeBlob(t, env, "X", 100)
	p, err := BuildProposal(key, db.GenesisHash, []string{cid}, time.Now().Unix())
	require.NoError(t, err)

	require.NoError(t, env.svc.ApplyCommit(ctx, p))
	block, err := env.store.BlockByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{cid}, block.CIDs)

	// Replaying the same commit no longer extends the head.
	err = env.svc.ApplyCommit(ctx, p)
	assert.True(t, errors.Is(err, db.ErrHeadMismatch))

	// Tampered payloads are rejected outright.
	bad := *p
	bad.MerkleRoot = "ffff"
	assert.Error(t, env.svc.ApplyCommit(ctx, &bad))
}
