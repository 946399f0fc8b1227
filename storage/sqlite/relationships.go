package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/relationship"
)

const relationshipColumns = "id, source_control_id, target_control_id, relationship_type, framework, strength, created_at"

func (c *Client) InsertRelationship(ctx context.Context, rel *models.ControlRelationship) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO control_relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.SourceControlID, rel.TargetControlID, rel.RelationshipType,
		rel.Framework, rel.Strength, rel.CreatedAt.Unix(),
	)
	if err != nil {
		return dbError("failed to insert relationship", err)
	}
	return nil
}

func (c *Client) GetRelationshipByID(ctx context.Context, id string) (*models.ControlRelationship, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+relationshipColumns+" FROM control_relationships WHERE id = ?", id)

	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, dbError("failed to get relationship", err)
	}
	return rel, nil
}

func (c *Client) QueryRelationships(ctx context.Context, f relationship.Filter) ([]models.ControlRelationship, error) {
	var conditions []string
	var args []any

	if len(f.ControlIDs) > 0 {
		ph := placeholders(len(f.ControlIDs))
		conditions = append(conditions,
			fmt.Sprintf("(source_control_id IN (%s) OR target_control_id IN (%s))", ph, ph))
		for _, id := range f.ControlIDs {
			args = append(args, id)
		}
		for _, id := range f.ControlIDs {
			args = append(args, id)
		}
	}
	if f.SourceControlID != "" {
		conditions = append(conditions, "source_control_id = ?")
		args = append(args, f.SourceControlID)
	}
	if f.TargetControlID != "" {
		conditions = append(conditions, "target_control_id = ?")
		args = append(args, f.TargetControlID)
	}
	if f.RelationshipType != "" {
		conditions = append(conditions, "relationship_type = ?")
		args = append(args, f.RelationshipType)
	}
	if f.Framework != "" {
		conditions = append(conditions, "framework = ?")
		args = append(args, f.Framework)
	}
	if f.MinStrength > 0 {
		conditions = append(conditions, "strength >= ?")
		args = append(args, f.MinStrength)
	}

	query := "SELECT " + relationshipColumns + " FROM control_relationships"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY strength DESC, id ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("failed to query relationships", err)
	}
	defer rows.Close()

	relationships := make([]models.ControlRelationship, 0)
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		relationships = append(relationships, *rel)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to read relationships", err)
	}

	return relationships, nil
}

func (c *Client) UpdateRelationshipStrength(ctx context.Context, id string, strength float64) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE control_relationships SET strength = ? WHERE id = ?", strength, id)
	if err != nil {
		return dbError("failed to update relationship strength", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update relationship strength: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("relationship %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (c *Client) DeleteRelationship(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM control_relationships WHERE id = ?", id)
	if err != nil {
		return dbError("failed to delete relationship", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("relationship %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanRelationship(row rowScanner) (*models.ControlRelationship, error) {
	var (
		rel       models.ControlRelationship
		createdAt int64
	)
	if err := row.Scan(&rel.ID, &rel.SourceControlID, &rel.TargetControlID,
		&rel.RelationshipType, &rel.Framework, &rel.Strength, &createdAt); err != nil {
		return nil, err
	}
	rel.CreatedAt = time.Unix(createdAt, 0)
	return &rel, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
