package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
)

// Cache stores extractions keyed by submission content. Implementations treat
// every fault as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (Extraction, bool)
	Set(ctx context.Context, key string, extraction Extraction)
}

// CacheKey derives the cache key from everything an extraction depends on:
// the runner producing execution results, the submission cells and recorded
// outputs, the reference solution and the rubric patterns.
func CacheKey(schema, runner string, submission models.Submission, reference []models.Cell, rubric models.Rubric) string {
	contentHash := submission.ContentHash
	if contentHash == "" {
		contentHash = models.HashCells(submission.Language, submission.Cells)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", schema, runner, contentHash, models.HashOutputs(submission.Outputs))
	for _, cell := range reference {
		fmt.Fprintf(h, "%s:%d:%s\x00", cell.Type, len(cell.Source), cell.Source)
	}
	h.Write([]byte{0})
	for _, pattern := range RubricPatterns(rubric) {
		fmt.Fprintf(h, "%d:%s\x00", len(pattern), pattern)
	}
	return fmt.Sprintf("grader:features:%s:%s", schema, hex.EncodeToString(h.Sum(nil)))
}

// RedisCache keeps extractions in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache constructs a Redis backed cache. A nil client yields nil.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	if client == nil {
		return nil
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "feature_cache").Logger(),
	}
}

// Get returns the cached extraction for key, if any.
func (c *RedisCache) Get(ctx context.Context, key string) (Extraction, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("failed to read feature cache")
		}
		return Extraction{}, false
	}

	var extraction Extraction
	if err := json.Unmarshal(payload, &extraction); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable feature cache entry")
		return Extraction{}, false
	}
	if err := extraction.Vector.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding invalid feature cache entry")
		return Extraction{}, false
	}
	return extraction, true
}

// Set stores the extraction under key.
func (c *RedisCache) Set(ctx context.Context, key string, extraction Extraction) {
	payload, err := json.Marshal(extraction)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to encode feature cache entry")
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store feature cache entry")
	}
}
