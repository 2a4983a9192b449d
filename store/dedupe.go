package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeCache makes start-processing idempotent within a short window:
// repeated requests for the same (blob_name, original_filename) tuple map to
// the document id created by the first request, so exactly one job is
// enqueued.
type DedupeCache struct {
	client *redis.Client
	window time.Duration
}

// NewDedupeCache connects to redis and verifies the connection.
func NewDedupeCache(ctx context.Context, url string, window time.Duration) (*DedupeCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &DedupeCache{client: client, window: window}, nil
}

// NewDedupeCacheWithClient wraps an existing client. Used by tests with
// miniredis.
func NewDedupeCacheWithClient(client *redis.Client, window time.Duration) *DedupeCache {
	return &DedupeCache{client: client, window: window}
}

// Close releases the redis connection.
func (c *DedupeCache) Close() error {
	return c.client.Close()
}

// Ping verifies connectivity for health checks.
func (c *DedupeCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// requestToken derives the idempotency key for a start-processing request.
func requestToken(blobName, filename string) string {
	sum := sha256.Sum256([]byte(blobName + "\x00" + filename))
	return "brant:dedupe:" + hex.EncodeToString(sum[:])
}

// Claim atomically registers documentID for the request tuple. When another
// request already claimed the tuple inside the window, the original document
// id is returned with claimed=false.
func (c *DedupeCache) Claim(ctx context.Context, blobName, filename, documentID string) (existingID string, claimed bool, err error) {
	key := requestToken(blobName, filename)
	ok, err := c.client.SetNX(ctx, key, documentID, c.window).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to claim request token: %w", err)
	}
	if ok {
		return documentID, true, nil
	}
	existing, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// The claim expired between SetNX and Get; treat as claimed now.
		if err := c.client.Set(ctx, key, documentID, c.window).Err(); err != nil {
			return "", false, fmt.Errorf("failed to re-claim request token: %w", err)
		}
		return documentID, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read request token: %w", err)
	}
	return existing, false, nil
}

// FlagCancel records a fast-path cancellation flag the worker polls between
// lease refreshes. The database flag remains the source of truth.
func (c *DedupeCache) FlagCancel(ctx context.Context, documentID string) error {
	return c.client.Set(ctx, "brant:cancel:"+documentID, "1", time.Hour).Err()
}

// CancelFlagged reports whether a fast-path cancellation flag is set.
func (c *DedupeCache) CancelFlagged(ctx context.Context, documentID string) (bool, error) {
	err := c.client.Get(ctx, "brant:cancel:"+documentID).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
