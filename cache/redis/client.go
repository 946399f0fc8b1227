package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/complymap/engine/mapper"
	"github.com/complymap/engine/pkg/logger"
)

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) SetEmbedding(ctx context.Context, key string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, fmt.Sprintf("embedding:%s", key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("key", key))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("embedding:%s", key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("key", key))
	return embedding, true, nil
}

// InvalidateEmbeddings drops every cached vector. Call after
// re-ingesting embeddings so stale vectors cannot feed scoring runs.
func (c *Client) InvalidateEmbeddings(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "embedding:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Embedding cache invalidated")
	return nil
}

// CachedEmbeddingProvider fronts another embedding provider with the
// Redis cache. Cache failures degrade to the inner provider; absent
// embeddings are never cached.
type CachedEmbeddingProvider struct {
	inner mapper.EmbeddingProvider
	cache *Client
}

func NewCachedEmbeddingProvider(inner mapper.EmbeddingProvider, cache *Client) *CachedEmbeddingProvider {
	return &CachedEmbeddingProvider{inner: inner, cache: cache}
}

func (p *CachedEmbeddingProvider) GetChunkEmbedding(ctx context.Context, chunkID string) ([]float32, error) {
	return p.lookup(ctx, "chunk:"+chunkID, func() ([]float32, error) {
		return p.inner.GetChunkEmbedding(ctx, chunkID)
	})
}

func (p *CachedEmbeddingProvider) GetControlEmbedding(ctx context.Context, controlID string) ([]float32, error) {
	return p.lookup(ctx, "control:"+controlID, func() ([]float32, error) {
		return p.inner.GetControlEmbedding(ctx, controlID)
	})
}

func (p *CachedEmbeddingProvider) lookup(ctx context.Context, key string, load func() ([]float32, error)) ([]float32, error) {
	embedding, found, err := p.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.String("key", key), zap.Error(err))
	}
	if found {
		return embedding, nil
	}

	embedding, err = load()
	if err != nil {
		return nil, err
	}
	if embedding == nil {
		return nil, nil
	}

	if err := p.cache.SetEmbedding(ctx, key, embedding); err != nil {
		logger.Warn("Embedding cache write failed", zap.String("key", key), zap.Error(err))
	}

	return embedding, nil
}

var _ mapper.EmbeddingProvider = (*CachedEmbeddingProvider)(nil)
