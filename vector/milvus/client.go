package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/complymap/engine/mapper"
	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/circuitbreaker"
	"github.com/complymap/engine/pkg/logger"
	"github.com/complymap/engine/pkg/retry"
)

// Client reads and writes stored embedding vectors for document
// fragments and controls, one collection per kind.
type Client struct {
	client            client.Client
	chunkCollection   string
	controlCollection string
	vectorDim         int
	cb                *circuitbreaker.CircuitBreaker
	retryConfig       retry.Config
}

func NewClient(endpoint, chunkCollection, controlCollection string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	cb := circuitbreaker.New("milvus", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("chunk_collection", chunkCollection),
		zap.String("control_collection", controlCollection),
	)

	return &Client{
		client:            c,
		chunkCollection:   chunkCollection,
		controlCollection: controlCollection,
		vectorDim:         vectorDim,
		cb:                cb,
		retryConfig:       retryConfig,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) GetChunkEmbedding(ctx context.Context, chunkID string) ([]float32, error) {
	return c.getEmbedding(ctx, c.chunkCollection, "chunk_id", chunkID)
}

func (c *Client) GetControlEmbedding(ctx context.Context, controlID string) ([]float32, error) {
	return c.getEmbedding(ctx, c.controlCollection, "control_id", controlID)
}

// getEmbedding fetches one stored vector by id. An id with no stored
// vector yields (nil, nil).
func (c *Client) getEmbedding(ctx context.Context, collection, idField, id string) ([]float32, error) {
	expr := fmt.Sprintf(`%s == "%s"`, idField, id)

	var embedding []float32
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			rs, err := c.client.Query(ctx, collection, nil, expr, []string{"embedding"})
			if err != nil {
				return fmt.Errorf("failed to query %s: %w", collection, err)
			}

			col := rs.GetColumn("embedding")
			if col == nil || col.Len() == 0 {
				embedding = nil
				return nil
			}
			vectors, ok := col.(*entity.ColumnFloatVector)
			if !ok {
				return fmt.Errorf("unexpected embedding column type in %s", collection)
			}
			embedding = vectors.Data()[0]
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding %s: %w: %w", id, models.ErrStorageUnavailable, err)
	}

	return embedding, nil
}

func (c *Client) CreateCollections(ctx context.Context) error {
	if err := c.createCollection(ctx, c.chunkCollection, "chunk_id", "Document fragment embeddings"); err != nil {
		return err
	}
	return c.createCollection(ctx, c.controlCollection, "control_id", "Control text embeddings")
}

func (c *Client) createCollection(ctx context.Context, name, idField, description string) error {
	has, err := c.client.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", name))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    description,
		Fields: []*entity.Field{
			{
				Name:       idField,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", c.vectorDim),
				},
			},
		},
	}

	if err := c.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := entity.NewIndexIVFFlat(entity.L2, 1024)
	if err := c.client.CreateIndex(ctx, name, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := c.client.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", name))

	return nil
}

func (c *Client) InsertChunkEmbeddings(ctx context.Context, ids []string, embeddings [][]float32) error {
	return c.insertEmbeddings(ctx, c.chunkCollection, "chunk_id", ids, embeddings)
}

func (c *Client) InsertControlEmbeddings(ctx context.Context, ids []string, embeddings [][]float32) error {
	return c.insertEmbeddings(ctx, c.controlCollection, "control_id", ids, embeddings)
}

func (c *Client) insertEmbeddings(ctx context.Context, collection, idField string, ids []string, embeddings [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(embeddings) {
		return fmt.Errorf("ids and embeddings length mismatch: %w", models.ErrValidation)
	}

	_, err := c.client.Insert(
		ctx,
		collection,
		"",
		entity.NewColumnVarChar(idField, ids),
		entity.NewColumnFloatVector("embedding", c.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to insert embeddings: %w", err)
	}

	if err := c.client.Flush(ctx, collection, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Embeddings inserted into vector DB",
		zap.String("collection", collection),
		zap.Int("count", len(ids)),
	)

	return nil
}

var _ mapper.EmbeddingProvider = (*Client)(nil)
