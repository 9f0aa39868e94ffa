package peers

import (
	"context"
	"testing"
	"time"

	"github.com/blocknet/relayer/db/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	healthy map[string]bool
	probed  []string
}

func (f *fakeChecker) Health(_ context.Context, peerURL string) bool {
	f.probed = append(f.probed, peerURL)
	return f.healthy[peerURL]
}

func TestService_TickRefreshesAndPrunes(t *testing.T) {
	store, err := kv.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour).Unix()
	require.NoError(t, store.UpsertPeer(ctx, "http://10.0.0.6:4000", stale))
	require.NoError(t, store.UpsertPeer(ctx, "http://10.0.0.7:4000", stale))

	checker := &fakeChecker{healthy: map[string]bool{"http://10.0.0.6:4000": true}}
	svc := NewService(ctx, &Config{
		Database:   store,
		Checker:    checker,
		Interval:   time.Minute,
		StaleAfter: 5 * time.Minute,
	})
	require.NoError(t, svc.tick())

	// The healthy peer was refreshed, the dead one pruned.
	remaining, err := store.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "http://10.0.0.6:4000", remaining[0].URL)
	assert.True(t, remaining[0].LastSeen > stale)
	assert.Len(t, checker.probed, 2)

	require.NoError(t, svc.Stop())
}
