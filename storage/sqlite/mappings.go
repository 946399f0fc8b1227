package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/complymap/engine/mappings"
	"github.com/complymap/engine/models"
)

const mappingColumns = "id, document_id, control_id, control_framework, confidence_score, mapping_criteria, created_at, updated_at, created_by"

func (c *Client) InsertMapping(ctx context.Context, m *models.ControlMapping) error {
	criteria, err := json.Marshal(m.MappingCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode mapping criteria: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO control_mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.DocumentID, m.ControlID, m.ControlFramework, m.ConfidenceScore,
		string(criteria), m.CreatedAt.Unix(), m.UpdatedAt.Unix(), m.CreatedBy,
	)
	if err != nil {
		return dbError("failed to insert mapping", err)
	}
	return nil
}

func (c *Client) GetMappingByID(ctx context.Context, id string) (*models.ControlMapping, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM control_mappings WHERE id = ?", id)

	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, dbError("failed to get mapping", err)
	}
	return m, nil
}

func (c *Client) QueryMappings(ctx context.Context, q mappings.Query) ([]models.ControlMapping, int, error) {
	where, args := buildMappingWhere(q)

	var total int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM control_mappings"+where, args...).Scan(&total); err != nil {
		return nil, 0, dbError("failed to count mappings", err)
	}

	query := "SELECT " + mappingColumns + " FROM control_mappings" + where +
		" ORDER BY confidence_score DESC, id ASC LIMIT ? OFFSET ?"
	rows, err := c.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, dbError("failed to query mappings", err)
	}
	defer rows.Close()

	result := make([]models.ControlMapping, 0)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan mapping: %w", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dbError("failed to read mappings", err)
	}

	return result, total, nil
}

func (c *Client) UpdateMapping(ctx context.Context, m *models.ControlMapping) error {
	criteria, err := json.Marshal(m.MappingCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode mapping criteria: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE control_mappings
		SET confidence_score = ?, mapping_criteria = ?, updated_at = ?
		WHERE id = ?`,
		m.ConfidenceScore, string(criteria), m.UpdatedAt.Unix(), m.ID,
	)
	if err != nil {
		return dbError("failed to update mapping", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mapping %s: %w", m.ID, models.ErrNotFound)
	}
	return nil
}

func (c *Client) DeleteMapping(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM control_mappings WHERE id = ?", id)
	if err != nil {
		return dbError("failed to delete mapping", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mapping %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (c *Client) DeleteMappingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM control_mappings WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, dbError("failed to delete old mappings", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete old mappings: %w", err)
	}
	return deleted, nil
}

func (c *Client) InsertHistoryEntry(ctx context.Context, entry *models.MappingHistoryEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO mapping_history (id, mapping_id, action, old_confidence_score, new_confidence_score, change_reason, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.MappingID, string(entry.Action),
		entry.OldConfidenceScore, entry.NewConfidenceScore,
		entry.ChangeReason, entry.ChangedBy, entry.ChangedAt.Unix(),
	)
	if err != nil {
		return dbError("failed to insert history entry", err)
	}
	return nil
}

func (c *Client) GetHistoryByMappingID(ctx context.Context, mappingID string) ([]models.MappingHistoryEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, mapping_id, action, old_confidence_score, new_confidence_score, change_reason, changed_by, changed_at
		FROM mapping_history
		WHERE mapping_id = ?
		ORDER BY changed_at DESC, rowid DESC`, mappingID)
	if err != nil {
		return nil, dbError("failed to query mapping history", err)
	}
	defer rows.Close()

	entries := make([]models.MappingHistoryEntry, 0)
	for rows.Next() {
		var (
			entry     models.MappingHistoryEntry
			action    string
			oldScore  sql.NullFloat64
			newScore  sql.NullFloat64
			changedAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.MappingID, &action, &oldScore, &newScore,
			&entry.ChangeReason, &entry.ChangedBy, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.Action = models.HistoryAction(action)
		if oldScore.Valid {
			v := oldScore.Float64
			entry.OldConfidenceScore = &v
		}
		if newScore.Valid {
			v := newScore.Float64
			entry.NewConfidenceScore = &v
		}
		entry.ChangedAt = time.Unix(changedAt, 0)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to read mapping history", err)
	}

	return entries, nil
}

func (c *Client) GetStatistics(ctx context.Context, q mappings.Query) (*mappings.Statistics, error) {
	where, args := buildMappingWhere(q)

	stats := &mappings.Statistics{
		Frameworks:  make(map[string]int),
		TopControls: []mappings.ControlCount{},
	}

	summary := `
		SELECT COUNT(*),
		       COALESCE(AVG(confidence_score), 0),
		       COALESCE(SUM(CASE WHEN confidence_score >= 80 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN confidence_score >= 60 AND confidence_score < 80 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN confidence_score < 60 THEN 1 ELSE 0 END), 0)
		FROM control_mappings` + where
	if err := c.db.QueryRowContext(ctx, summary, args...).Scan(
		&stats.TotalMappings, &stats.AverageConfidence,
		&stats.HighConfidenceCount, &stats.MediumConfidenceCount, &stats.LowConfidenceCount,
	); err != nil {
		return nil, dbError("failed to aggregate mapping statistics", err)
	}

	if err := c.statisticsFrameworks(ctx, where, args, stats); err != nil {
		return nil, err
	}
	if err := c.statisticsTopControls(ctx, where, args, stats); err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *Client) statisticsFrameworks(ctx context.Context, where string, args []any, stats *mappings.Statistics) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT control_framework, COUNT(*)
		FROM control_mappings`+where+`
		GROUP BY control_framework`, args...)
	if err != nil {
		return dbError("failed to aggregate framework counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var framework string
		var count int
		if err := rows.Scan(&framework, &count); err != nil {
			return fmt.Errorf("failed to scan framework count: %w", err)
		}
		stats.Frameworks[framework] = count
	}
	return rows.Err()
}

func (c *Client) statisticsTopControls(ctx context.Context, where string, args []any, stats *mappings.Statistics) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT control_id, COUNT(*) AS cnt
		FROM control_mappings`+where+`
		GROUP BY control_id
		ORDER BY cnt DESC, control_id ASC
		LIMIT 10`, args...)
	if err != nil {
		return dbError("failed to aggregate top controls", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cc mappings.ControlCount
		if err := rows.Scan(&cc.ControlID, &cc.Count); err != nil {
			return fmt.Errorf("failed to scan control count: %w", err)
		}
		stats.TopControls = append(stats.TopControls, cc)
	}
	return rows.Err()
}

func buildMappingWhere(q mappings.Query) (string, []any) {
	var conditions []string
	var args []any

	if q.DocumentID != "" {
		conditions = append(conditions, "document_id = ?")
		args = append(args, q.DocumentID)
	}
	if q.ControlID != "" {
		conditions = append(conditions, "control_id = ?")
		args = append(args, q.ControlID)
	}
	if q.Framework != "" {
		conditions = append(conditions, "control_framework = ?")
		args = append(args, q.Framework)
	}
	if q.MinConfidence != nil {
		conditions = append(conditions, "confidence_score >= ?")
		args = append(args, *q.MinConfidence)
	}
	if q.MaxConfidence != nil {
		conditions = append(conditions, "confidence_score <= ?")
		args = append(args, *q.MaxConfidence)
	}
	if q.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, q.CreatedAfter.Unix())
	}
	if q.CreatedBefore != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, q.CreatedBefore.Unix())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*models.ControlMapping, error) {
	var (
		m         models.ControlMapping
		criteria  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&m.ID, &m.DocumentID, &m.ControlID, &m.ControlFramework,
		&m.ConfidenceScore, &criteria, &createdAt, &updatedAt, &m.CreatedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(criteria), &m.MappingCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode mapping criteria: %w", err)
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}
