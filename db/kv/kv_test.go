package kv

import (
	"context"
	"testing"

	"github.com/blocknet/relayer/db"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *Store {
	store, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestStore_UserRoundTrip(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	_, err := store.User(ctx, "0xAb00000000000000000000000000000000000001")
	assert.ErrorIs(t, err, db.ErrNotFound)

	u := &db.User{
		Address:   "0xAb00000000000000000000000000000000000001",
		EncPub:    "base64X",
		SignPub:   "0xAb00000000000000000000000000000000000001",
		CreatedAt: 1700000000,
	}
	require.NoError(t, store.SaveUser(ctx, u))

	// Lookup is case-insensitive.
	got, err := store.User(ctx, "0xAB00000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, u.EncPub, got.EncPub)
	assert.Equal(t, u.SignPub, got.SignPub)

	all, err := store.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SaveMessageAssignsMonotonicIDs(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	id1, err := store.SaveMessage(ctx, testMessage("c1", "0xA", "0xB", 100))
	require.NoError(t, err)
	id2, err := store.SaveMessage(ctx, testMessage("c2", "0xA", "0xB", 101))
	require.NoError(t, err)
	assert.Equal(t, id1+1, id2)
}

func TestStore_UndeliveredAndMarkDelivered(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	id1, err := store.SaveMessage(ctx, testMessage("c1", "0xA", "0xB", 100))
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, testMessage("c2", "0xA", "0xC", 101))
	require.NoError(t, err)

	pending, err := store.UndeliveredMessages(ctx, "0xb")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].CID)
	assert.False(t, pending[0].Delivered)

	require.NoError(t, store.MarkDelivered(ctx, []uint64{id1}))
	pending, err = store.UndeliveredMessages(ctx, "0xB")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Marking again, and marking unknown ids, is harmless.
	require.NoError(t, store.MarkDelivered(ctx, []uint64{id1, 9999}))
}

func TestStore_ConversationMessages(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()
	root := "root-1"

	for i, ts := range []int64{100, 300, 200, 300} {
		m := testMessage("c"+string(rune('1'+i)), "0xA", "0xB", ts)
		m.RootID = root
		_, err := store.SaveMessage(ctx, m)
		require.NoError(t, err)
	}
	other := testMessage("cx", "0xA", "0xD", 250)
	other.RootID = "root-2"
	_, err := store.SaveMessage(ctx, other)
	require.NoError(t, err)

	msgs, err := store.ConversationMessages(ctx, root, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	// Newest first by (timestamp, id): the second ts=300 row has the higher id.
	assert.Equal(t, []int64{300, 300, 200, 100}, timestamps(msgs))
	assert.True(t, msgs[0].ID > msgs[1].ID)

	msgs, err = store.ConversationMessages(ctx, root, 2, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = store.ConversationMessages(ctx, root, 10, 300)
	require.NoError(t, err)
	assert.Equal(t, []int64{200, 100}, timestamps(msgs))
}

func TestStore_UncommittedCIDsOrderedAndDistinct(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	_, err := store.SaveMessage(ctx, testMessage("c-late", "0xA", "0xB", 300))
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, testMessage("c-early", "0xA", "0xB", 100))
	require.NoError(t, err)
	// Same CID delivered twice: must appear once.
	_, err = store.SaveMessage(ctx, testMessage("c-early", "0xA", "0xC", 200))
	require.NoError(t, err)

	cids, err := store.UncommittedCIDs(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-early", "c-late"}, cids)

	cids, err = store.UncommittedCIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-early"}, cids)
}

func TestStore_CommitBlockChainContinuity(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	head, err := store.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.GenesisHash, head)

	_, err = store.SaveMessage(ctx, testMessage("c1", "0xA", "0xB", 100))
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, testMessage("c2", "0xA", "0xB", 101))
	require.NoError(t, err)

	b1 := &db.Block{
		PreviousHash: db.GenesisHash,
		MerkleRoot:   "m1",
		CIDs:         []string{"c1", "c2"},
		Proposer:     "0xP",
		Signature:    "0xsig",
		Timestamp:    1700000000,
	}
	idx, err := store.CommitBlock(ctx, b1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	// Committed rows leave the pending set.
	cids, err := store.UncommittedCIDs(ctx, 200)
	require.NoError(t, err)
	assert.Empty(t, cids)

	stored, err := store.BlockByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, stored.CIDs)

	// A stale proposal no longer extends the head.
	stale := &db.Block{PreviousHash: db.GenesisHash, MerkleRoot: "m2", CIDs: []string{"c3"}, Timestamp: 1700000100}
	_, err = store.CommitBlock(ctx, stale)
	assert.True(t, errors.Is(err, db.ErrHeadMismatch))

	// Extending the real head works and links by block hash.
	head, err = store.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored.Hash(), head)

	b2 := &db.Block{PreviousHash: head, MerkleRoot: "m2", CIDs: []string{"c3"}, Timestamp: 1700000100}
	idx, err = store.CommitBlock(ctx, b2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
}

func TestStore_CommitBlockMarksMessagesCommitted(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	id, err := store.SaveMessage(ctx, testMessage("c1", "0xA", "0xB", 100))
	require.NoError(t, err)

	b := &db.Block{PreviousHash: db.GenesisHash, MerkleRoot: "m", CIDs: []string{"c1"}, Timestamp: 1700000000}
	_, err = store.CommitBlock(ctx, b)
	require.NoError(t, err)

	msgs, err := store.UndeliveredMessages(ctx, "0xB")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.True(t, msgs[0].Committed)
	assert.False(t, msgs[0].Delivered, "committed and delivered are independent axes")
}

func TestStore_PeerLifecycle(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPeer(ctx, "http://10.0.0.6:4000", 100))
	require.NoError(t, store.UpsertPeer(ctx, "http://10.0.0.7:4000", 200))

	all, err := store.Peers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ActivePeers(ctx, 150)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "http://10.0.0.7:4000", active[0].URL)

	removed, err := store.PrunePeers(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err = store.Peers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testMessage(cid, sender, recipient string, ts int64) *db.Message {
	return &db.Message{
		CID:       cid,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: ts,
		RootID:    "root-" + sender + recipient,
		SessionID: "session-" + cid,
	}
}

func timestamps(msgs []*db.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Timestamp
	}
	return out
}
