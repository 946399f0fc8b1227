package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/circuitbreaker"
	"github.com/complymap/engine/pkg/logger"
	"github.com/complymap/engine/pkg/retry"
	"github.com/complymap/engine/relationship"
)

const defaultDatabase = "neo4j"

// Client stores control relationships as RELATES edges between Control
// nodes. It satisfies the relationship store contract so the graph
// backend can replace the relational one without touching callers.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = defaultDatabase
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
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

	logger.Info("Neo4j relationship store initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func graphError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}

// InsertRelationship merges the endpoint nodes and creates the edge.
// An edge that already exists for the same source, target, type, and
// framework keeps its original id, which the returned id exposes.
func (c *Client) InsertRelationship(ctx context.Context, rel *models.ControlRelationship) error {
	query := `
		MERGE (s:Control {id: $source_id})
		MERGE (t:Control {id: $target_id})
		MERGE (s)-[r:RELATES {type: $type, framework: $framework}]->(t)
		ON CREATE SET r.id = $id,
		              r.strength = $strength,
		              r.created_at = $created_at
		RETURN r.id
	`

	var existingID string
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]any{
			"id":         rel.ID,
			"source_id":  rel.SourceControlID,
			"target_id":  rel.TargetControlID,
			"type":       rel.RelationshipType,
			"framework":  rel.Framework,
			"strength":   rel.Strength,
			"created_at": rel.CreatedAt.Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to run insert query: %w", err)
		}

		if result.Next(ctx) {
			record := result.Record()
			id, _ := record.Get("r.id")
			existingID, _ = id.(string)
		}
		return result.Err()
	})
	if err != nil {
		return graphError("failed to insert relationship", err)
	}

	if existingID != rel.ID {
		return fmt.Errorf("relationship %s -> %s (%s) already exists: %w",
			rel.SourceControlID, rel.TargetControlID, rel.RelationshipType, models.ErrValidation)
	}

	logger.Debug("Relationship stored in graph",
		zap.String("source", rel.SourceControlID),
		zap.String("target", rel.TargetControlID),
		zap.String("type", rel.RelationshipType),
	)

	return nil
}

func (c *Client) GetRelationshipByID(ctx context.Context, id string) (*models.ControlRelationship, error) {
	query := `
		MATCH (s:Control)-[r:RELATES]->(t:Control)
		WHERE r.id = $id
		RETURN r.id, s.id, t.id, r.type, r.framework, r.strength, r.created_at
		LIMIT 1
	`

	var found *models.ControlRelationship
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]any{"id": id})
		if err != nil {
			return fmt.Errorf("failed to run lookup query: %w", err)
		}

		if result.Next(ctx) {
			record := result.Record()

			relID, _ := record.Get("r.id")
			sourceID, _ := record.Get("s.id")
			targetID, _ := record.Get("t.id")
			relType, _ := record.Get("r.type")
			framework, _ := record.Get("r.framework")
			strength, _ := record.Get("r.strength")
			createdAt, _ := record.Get("r.created_at")

			rel := models.ControlRelationship{}
			rel.ID, _ = relID.(string)
			rel.SourceControlID, _ = sourceID.(string)
			rel.TargetControlID, _ = targetID.(string)
			rel.RelationshipType, _ = relType.(string)
			rel.Framework, _ = framework.(string)
			rel.Strength, _ = strength.(float64)
			if sec, ok := createdAt.(int64); ok {
				rel.CreatedAt = time.Unix(sec, 0)
			}
			found = &rel
		}
		return result.Err()
	})
	if err != nil {
		return nil, graphError("failed to get relationship", err)
	}
	if found == nil {
		return nil, fmt.Errorf("relationship %s: %w", id, models.ErrNotFound)
	}

	return found, nil
}

func (c *Client) QueryRelationships(ctx context.Context, f relationship.Filter) ([]models.ControlRelationship, error) {
	var conditions []string
	params := map[string]any{}

	if len(f.ControlIDs) > 0 {
		conditions = append(conditions, "(s.id IN $control_ids OR t.id IN $control_ids)")
		params["control_ids"] = f.ControlIDs
	}
	if f.SourceControlID != "" {
		conditions = append(conditions, "s.id = $source_id")
		params["source_id"] = f.SourceControlID
	}
	if f.TargetControlID != "" {
		conditions = append(conditions, "t.id = $target_id")
		params["target_id"] = f.TargetControlID
	}
	if f.RelationshipType != "" {
		conditions = append(conditions, "r.type = $type")
		params["type"] = f.RelationshipType
	}
	if f.Framework != "" {
		conditions = append(conditions, "r.framework = $framework")
		params["framework"] = f.Framework
	}
	if f.MinStrength > 0 {
		conditions = append(conditions, "r.strength >= $min_strength")
		params["min_strength"] = f.MinStrength
	}

	query := "MATCH (s:Control)-[r:RELATES]->(t:Control)"
	if len(conditions) > 0 {
		query += "\nWHERE " + strings.Join(conditions, " AND ")
	}
	query += "\nRETURN r.id, s.id, t.id, r.type, r.framework, r.strength, r.created_at"
	query += "\nORDER BY r.strength DESC, r.id ASC"

	relationships := make([]models.ControlRelationship, 0)
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, params)
		if err != nil {
			return fmt.Errorf("failed to run relationship query: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()

			relID, _ := record.Get("r.id")
			sourceID, _ := record.Get("s.id")
			targetID, _ := record.Get("t.id")
			relType, _ := record.Get("r.type")
			framework, _ := record.Get("r.framework")
			strength, _ := record.Get("r.strength")
			createdAt, _ := record.Get("r.created_at")

			rel := models.ControlRelationship{}
			rel.ID, _ = relID.(string)
			rel.SourceControlID, _ = sourceID.(string)
			rel.TargetControlID, _ = targetID.(string)
			rel.RelationshipType, _ = relType.(string)
			rel.Framework, _ = framework.(string)
			rel.Strength, _ = strength.(float64)
			if sec, ok := createdAt.(int64); ok {
				rel.CreatedAt = time.Unix(sec, 0)
			}

			relationships = append(relationships, rel)
		}
		return result.Err()
	})
	if err != nil {
		return nil, graphError("failed to query relationships", err)
	}

	return relationships, nil
}

func (c *Client) UpdateRelationshipStrength(ctx context.Context, id string, strength float64) error {
	query := `
		MATCH ()-[r:RELATES]->()
		WHERE r.id = $id
		SET r.strength = $strength
		RETURN count(r)
	`

	var updated int64
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]any{"id": id, "strength": strength})
		if err != nil {
			return fmt.Errorf("failed to run strength update: %w", err)
		}

		if result.Next(ctx) {
			record := result.Record()
			count, _ := record.Get("count(r)")
			updated, _ = count.(int64)
		}
		return result.Err()
	})
	if err != nil {
		return graphError("failed to update relationship strength", err)
	}
	if updated == 0 {
		return fmt.Errorf("relationship %s: %w", id, models.ErrNotFound)
	}

	return nil
}

func (c *Client) DeleteRelationship(ctx context.Context, id string) error {
	query := `
		MATCH ()-[r:RELATES]->()
		WHERE r.id = $id
		DELETE r
		RETURN count(r)
	`

	var deleted int64
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]any{"id": id})
		if err != nil {
			return fmt.Errorf("failed to run delete query: %w", err)
		}

		if result.Next(ctx) {
			record := result.Record()
			count, _ := record.Get("count(r)")
			deleted, _ = count.(int64)
		}
		return result.Err()
	})
	if err != nil {
		return graphError("failed to delete relationship", err)
	}
	if deleted == 0 {
		return fmt.Errorf("relationship %s: %w", id, models.ErrNotFound)
	}

	logger.Debug("Relationship deleted from graph", zap.String("relationship_id", id))
	return nil
}

var _ relationship.Store = (*Client)(nil)
