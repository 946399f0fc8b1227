package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/complymap/engine/models"
)

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, document_type, created_at)
		VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.DocumentType, doc.CreatedAt.Unix(),
	)
	if err != nil {
		return dbError("failed to insert document", err)
	}
	return nil
}

// GetDocumentByID reports a missing document as (nil, nil) so callers
// can distinguish absence from backend failure.
func (c *Client) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	var (
		doc       models.Document
		createdAt int64
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT id, title, document_type, created_at FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Title, &doc.DocumentType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to get document", err)
	}
	doc.CreatedAt = time.Unix(createdAt, 0)
	return &doc, nil
}

func (c *Client) InsertChunk(ctx context.Context, chunk *models.DocumentChunk) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO document_chunks (id, document_id, content, section_type, document_type, position)
		VALUES (?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.DocumentID, chunk.Content, chunk.SectionType, chunk.DocumentType, chunk.Position,
	)
	if err != nil {
		return dbError("failed to insert document chunk", err)
	}
	return nil
}

func (c *Client) GetDocumentChunks(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, content, section_type, document_type, position
		FROM document_chunks
		WHERE document_id = ?
		ORDER BY position ASC`, documentID)
	if err != nil {
		return nil, dbError("failed to query document chunks", err)
	}
	defer rows.Close()

	chunks := make([]models.DocumentChunk, 0)
	for rows.Next() {
		var chunk models.DocumentChunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Content,
			&chunk.SectionType, &chunk.DocumentType, &chunk.Position); err != nil {
			return nil, fmt.Errorf("failed to scan document chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to read document chunks", err)
	}

	return chunks, nil
}

func (c *Client) InsertControl(ctx context.Context, control *models.Control) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO controls (id, framework, title, description, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			framework = excluded.framework,
			title = excluded.title,
			description = excluded.description,
			active = excluded.active`,
		control.ID, control.Framework, control.Title, control.Description, control.Active,
	)
	if err != nil {
		return dbError("failed to insert control", err)
	}
	return nil
}

func (c *Client) GetControlsByIDs(ctx context.Context, ids []string, framework string) ([]models.Control, error) {
	if len(ids) == 0 {
		return []models.Control{}, nil
	}

	query := "SELECT id, framework, title, description, active FROM controls WHERE id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	if framework != "" {
		query += " AND framework = ?"
		args = append(args, framework)
	}
	query += " ORDER BY id ASC"

	return c.queryControls(ctx, query, args...)
}

func (c *Client) GetAllActiveControls(ctx context.Context, framework string) ([]models.Control, error) {
	query := "SELECT id, framework, title, description, active FROM controls WHERE active = 1"
	var args []any
	if framework != "" {
		query += " AND framework = ?"
		args = append(args, framework)
	}
	query += " ORDER BY id ASC"

	return c.queryControls(ctx, query, args...)
}

func (c *Client) queryControls(ctx context.Context, query string, args ...any) ([]models.Control, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("failed to query controls", err)
	}
	defer rows.Close()

	controls := make([]models.Control, 0)
	for rows.Next() {
		var control models.Control
		if err := rows.Scan(&control.ID, &control.Framework, &control.Title,
			&control.Description, &control.Active); err != nil {
			return nil, fmt.Errorf("failed to scan control: %w", err)
		}
		controls = append(controls, control)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to read controls", err)
	}

	return controls, nil
}

func (c *Client) GetWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT criterion, weight FROM confidence_weights")
	if err != nil {
		return nil, dbError("failed to query confidence weights", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var criterion string
		var weight float64
		if err := rows.Scan(&criterion, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan confidence weight: %w", err)
		}
		weights[criterion] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to read confidence weights", err)
	}

	return weights, nil
}

func (c *Client) SaveWeights(ctx context.Context, weights map[string]float64) error {
	now := time.Now().Unix()
	for _, criterion := range models.CriterionNames() {
		weight, ok := weights[criterion]
		if !ok {
			continue
		}
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO confidence_weights (criterion, weight, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(criterion) DO UPDATE SET
				weight = excluded.weight,
				updated_at = excluded.updated_at`,
			criterion, weight, now,
		)
		if err != nil {
			return dbError("failed to save confidence weight", err)
		}
	}
	return nil
}
