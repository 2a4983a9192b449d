package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*DedupeCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewDedupeCacheWithClient(client, 5*time.Minute), mr
}

// TestClaimIdempotency tests that a repeated request tuple maps to the
// first document id
func TestClaimIdempotency(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	id, claimed, err := cache.Claim(ctx, "uploads/a/plan.pdf", "plan.pdf", "doc-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "doc-1", id)

	// A retried request with a freshly minted id gets the original back.
	id, claimed, err = cache.Claim(ctx, "uploads/a/plan.pdf", "plan.pdf", "doc-2")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "doc-1", id)
}

// TestClaimDistinctTuples tests that blob and filename both key the claim
func TestClaimDistinctTuples(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, claimed, err := cache.Claim(ctx, "uploads/a/plan.pdf", "plan.pdf", "doc-1")
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = cache.Claim(ctx, "uploads/b/plan.pdf", "plan.pdf", "doc-2")
	require.NoError(t, err)
	assert.True(t, claimed, "different blob is a different request")

	_, claimed, err = cache.Claim(ctx, "uploads/a/plan.pdf", "rev-b.pdf", "doc-3")
	require.NoError(t, err)
	assert.True(t, claimed, "different filename is a different request")
}

// TestClaimWindowExpiry tests that the idempotency window is bounded
func TestClaimWindowExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, claimed, err := cache.Claim(ctx, "uploads/a/plan.pdf", "plan.pdf", "doc-1")
	require.NoError(t, err)
	require.True(t, claimed)

	mr.FastForward(6 * time.Minute)

	id, claimed, err := cache.Claim(ctx, "uploads/a/plan.pdf", "plan.pdf", "doc-2")
	require.NoError(t, err)
	assert.True(t, claimed, "expired claim is open again")
	assert.Equal(t, "doc-2", id)
}

// TestCancelFlags tests the fast-path cancellation flag round trip
func TestCancelFlags(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	flagged, err := cache.CancelFlagged(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, flagged)

	require.NoError(t, cache.FlagCancel(ctx, "doc-1"))

	flagged, err = cache.CancelFlagged(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = cache.CancelFlagged(ctx, "doc-2")
	require.NoError(t, err)
	assert.False(t, flagged, "flags are per document")
}

// TestDedupePing tests the health-check probe
func TestDedupePing(t *testing.T) {
	cache, mr := newTestCache(t)
	require.NoError(t, cache.Ping(context.Background()))

	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}
