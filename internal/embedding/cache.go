package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is a write-through cache of computed vectors, keyed by
// provider:sha256(text), so repeat encode calls for the same text don't hit
// a remote provider twice. The teacher's episodic store uses go-redis for
// its vector index (internal/memory/episodic.go); since this repository's
// vector storage lives in SQLite instead (see internal/storage), Redis is
// repurposed here for the embedding cache rather than dropped.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps an existing redis client. ttl of 0 means cache entries
// never expire.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(providerID, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedcache:%s:%s", providerID, hex.EncodeToString(sum[:]))
}

// Get returns the cached vector for (providerID, text), if present.
func (c *Cache) Get(ctx context.Context, providerID, text string) ([]float32, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, cacheKey(providerID, text)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedding: cache get: %w", err)
	}
	var floats []float64
	if err := json.Unmarshal([]byte(raw), &floats); err != nil {
		return nil, false, fmt.Errorf("embedding: cache decode: %w", err)
	}
	vec := make([]float32, len(floats))
	for i, f := range floats {
		vec[i] = float32(f)
	}
	return vec, true, nil
}

// Set stores vec for (providerID, text).
func (c *Cache) Set(ctx context.Context, providerID, text string, vec []float32) error {
	if c == nil || c.client == nil {
		return nil
	}
	floats := make([]float64, len(vec))
	for i, f := range vec {
		floats[i] = roundFloat(float64(f))
	}
	data, err := json.Marshal(floats)
	if err != nil {
		return fmt.Errorf("embedding: cache encode: %w", err)
	}
	return c.client.Set(ctx, cacheKey(providerID, text), data, c.ttl).Err()
}

// roundFloat guards against NaN/Inf making it into the JSON cache payload,
// which encoding/json would otherwise reject outright.
func roundFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
