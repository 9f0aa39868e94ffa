package blobs

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/blocknet/relayer/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(t *testing.T, raw string) interface{} {
	t.Helper()
	v, err := crypto.DecodeJSON([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestStore_SaveWritesEverySlot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 3, 0)
	require.NoError(t, err)

	payload := testPayload(t, `{"version":1,"ciphertext":"X","senderEncPub":"Y"}`)
	cid, err := store.Save(payload)
	require.NoError(t, err)

	want, err := crypto.CID(payload)
	require.NoError(t, err)
	assert.Equal(t, want, cid)

	for i := 0; i < 3; i++ {
		_, err := os.Stat(filepath.Join(dir, "relayer_"+string(rune('0'+i)), cid+".json"))
		assert.NoError(t, err, "slot %d", i)
	}
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir(), 2, 0)
	require.NoError(t, err)

	payload := testPayload(t, `{"ciphertext":"X"}`)
	cid1, err := store.Save(payload)
	require.NoError(t, err)
	cid2, err := store.Save(payload)
	require.NoError(t, err)
	assert.Equal(t, cid1, cid2)
}

func TestStore_FetchVerifiesIntegrity(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 2, 0)
	require.NoError(t, err)

	payload := testPayload(t, `{"ciphertext":"X","version":1}`)
	cid, err := store.Save(payload)
	require.NoError(t, err)

	got, err := store.Fetch(cid)
	require.NoError(t, err)
	gotCID, err := crypto.CID(got)
	require.NoError(t, err)
	assert.Equal(t, cid, gotCID)

	// Corrupt slot 0; fetch falls through to the intact slot 1.
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "relayer_0", cid+".json"), []byte(`{"ciphertext":"tampered"}`), 0600))
	_, err = store.Fetch(cid)
	assert.NoError(t, err)

	// Corrupt both: nothing valid remains.
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "relayer_1", cid+".json"), []byte("garbage"), 0600))
	_, err = store.Fetch(cid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FetchUnknownCID(t *testing.T) {
	store, err := NewStore(t.TempDir(), 1, 0)
	require.NoError(t, err)
	_, err = store.Fetch("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveAtRejectsCIDMismatch(t *testing.T) {
	store, err := NewStore(t.TempDir(), 2, 0)
	require.NoError(t, err)

	payload := testPayload(t, `{"ciphertext":"X"}`)
	err = store.SaveAt("deadbeef", payload, 0)
	assert.True(t, errors.Is(err, ErrCIDMismatch))

	cid, err := crypto.CID(payload)
	require.NoError(t, err)
	require.NoError(t, store.SaveAt(cid, payload, 0))
	assert.True(t, store.Has(cid))

	// Repeated replication of the same payload is a no-op.
	require.NoError(t, store.SaveAt(cid, payload, 0))
}

func TestStore_QuotaExhaustion(t *testing.T) {
	// Quota fits exactly one copy of the payload per slot.
	payload := testPayload(t, `{"ciphertext":"XXXXXXXXXX"}`)
	enc, err := crypto.CanonicalJSON(payload)
	require.NoError(t, err)

	store, err := NewStore(t.TempDir(), 1, int64(len(enc)))
	require.NoError(t, err)

	_, err = store.Save(payload)
	require.NoError(t, err)

	// A second, different payload no longer fits anywhere.
	bigger := testPayload(t, `{"ciphertext":"YYYYYYYYYY"}`)
	_, err = store.Save(bigger)
	assert.ErrorIs(t, err, ErrStorageFull)

	// Re-saving the stored payload still succeeds: the file already exists.
	_, err = store.Save(payload)
	assert.NoError(t, err)
}
