package mappings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/complymap/engine/metrics"
	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Store is the persistence surface for control mappings and their audit
// history.
type Store interface {
	InsertMapping(ctx context.Context, m *models.ControlMapping) error
	GetMappingByID(ctx context.Context, id string) (*models.ControlMapping, error)
	QueryMappings(ctx context.Context, q Query) ([]models.ControlMapping, int, error)
	UpdateMapping(ctx context.Context, m *models.ControlMapping) error
	DeleteMapping(ctx context.Context, id string) error
	DeleteMappingsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	InsertHistoryEntry(ctx context.Context, entry *models.MappingHistoryEntry) error
	GetHistoryByMappingID(ctx context.Context, mappingID string) ([]models.MappingHistoryEntry, error)

	GetStatistics(ctx context.Context, q Query) (*Statistics, error)
}

// Query filters and paginates mapping reads. Nil range bounds are open.
type Query struct {
	DocumentID    string
	ControlID     string
	Framework     string
	MinConfidence *float64
	MaxConfidence *float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

type Page struct {
	Mappings []models.ControlMapping `json:"mappings"`
	Total    int                     `json:"total"`
	HasMore  bool                    `json:"has_more"`
}

type Statistics struct {
	TotalMappings         int            `json:"total_mappings"`
	AverageConfidence     float64        `json:"average_confidence"`
	HighConfidenceCount   int            `json:"high_confidence_count"`
	MediumConfidenceCount int            `json:"medium_confidence_count"`
	LowConfidenceCount    int            `json:"low_confidence_count"`
	Frameworks            map[string]int `json:"frameworks"`
	TopControls           []ControlCount `json:"top_controls"`
}

type ControlCount struct {
	ControlID string `json:"control_id"`
	Count     int    `json:"count"`
}

// UpdateRequest carries the mutable fields of a mapping. Nil fields are
// left untouched.
type UpdateRequest struct {
	ConfidenceScore *float64
	MappingCriteria *models.MappingCriteria
	UpdatedBy       string
}

type BulkUpdate struct {
	ID string
	UpdateRequest
}

type BulkUpdateResult struct {
	ID      string
	Mapping *models.ControlMapping
	Err     error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// SaveMappings inserts each mapping individually and records a created
// history entry per row. The batch is not transactional: a failure
// leaves prior inserts committed, and the returned slice holds exactly
// the rows that were persisted.
func (s *Service) SaveMappings(ctx context.Context, candidates []models.ControlMapping) ([]models.ControlMapping, error) {
	saved := make([]models.ControlMapping, 0, len(candidates))

	for i := range candidates {
		m := candidates[i]
		if err := validateMapping(&m); err != nil {
			return saved, saveError(len(saved), len(candidates), err)
		}

		now := time.Now()
		m.ID = uuid.New().String()
		m.CreatedAt = now
		m.UpdatedAt = now

		if err := s.store.InsertMapping(ctx, &m); err != nil {
			metrics.MappingOperations.WithLabelValues("save", "error").Inc()
			return saved, saveError(len(saved), len(candidates), err)
		}
		saved = append(saved, m)

		entry := &models.MappingHistoryEntry{
			ID:                 uuid.New().String(),
			MappingID:          m.ID,
			Action:             models.ActionCreated,
			NewConfidenceScore: &m.ConfidenceScore,
			ChangedBy:          m.CreatedBy,
			ChangedAt:          now,
		}
		if err := s.store.InsertHistoryEntry(ctx, entry); err != nil {
			return saved, saveError(len(saved), len(candidates), fmt.Errorf("failed to record creation history: %w", err))
		}
	}

	metrics.MappingOperations.WithLabelValues("save", "success").Inc()
	metrics.MappingsPersisted.Add(float64(len(saved)))
	logger.Info("Control mappings saved", zap.Int("count", len(saved)))

	return saved, nil
}

func saveError(saved, total int, cause error) error {
	if saved > 0 {
		return fmt.Errorf("saved %d of %d mappings: %w: %w", saved, total, models.ErrPartialFailure, cause)
	}
	return fmt.Errorf("failed to save mappings: %w", cause)
}

// GetMappings returns a page of mappings ordered by descending
// confidence.
func (s *Service) GetMappings(ctx context.Context, q Query) (*Page, error) {
	if err := validateQuery(&q); err != nil {
		return nil, err
	}

	rows, total, err := s.store.QueryMappings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to get mappings: %w", err)
	}

	return &Page{
		Mappings: rows,
		Total:    total,
		HasMore:  q.Offset+len(rows) < total,
	}, nil
}

func (s *Service) GetMappingByID(ctx context.Context, id string) (*models.ControlMapping, error) {
	m, err := s.store.GetMappingByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping %s: %w", id, err)
	}
	return m, nil
}

// UpdateMapping applies the request to an existing mapping. The old row
// is fetched first so a confidence change can be recorded; the history
// entry is written only when the confidence actually changed.
func (s *Service) UpdateMapping(ctx context.Context, id string, req UpdateRequest) (*models.ControlMapping, error) {
	current, err := s.store.GetMappingByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update mapping %s: %w", id, err)
	}

	oldConfidence := current.ConfidenceScore

	if req.ConfidenceScore != nil {
		if *req.ConfidenceScore < 0 || *req.ConfidenceScore > 100 {
			return nil, fmt.Errorf("confidence score must be between 0 and 100, got %.4f: %w", *req.ConfidenceScore, models.ErrValidation)
		}
		current.ConfidenceScore = *req.ConfidenceScore
	}
	if req.MappingCriteria != nil {
		if err := validateCriteria(*req.MappingCriteria); err != nil {
			return nil, err
		}
		current.MappingCriteria = *req.MappingCriteria
	}

	current.UpdatedAt = time.Now()

	if err := s.store.UpdateMapping(ctx, current); err != nil {
		metrics.MappingOperations.WithLabelValues("update", "error").Inc()
		return nil, fmt.Errorf("failed to update mapping %s: %w", id, err)
	}

	if current.ConfidenceScore != oldConfidence {
		entry := &models.MappingHistoryEntry{
			ID:                 uuid.New().String(),
			MappingID:          id,
			Action:             models.ActionUpdated,
			OldConfidenceScore: &oldConfidence,
			NewConfidenceScore: &current.ConfidenceScore,
			ChangedBy:          req.UpdatedBy,
			ChangedAt:          current.UpdatedAt,
		}
		if err := s.store.InsertHistoryEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to record update history for %s: %w", id, err)
		}
	}

	metrics.MappingOperations.WithLabelValues("update", "success").Inc()
	return current, nil
}

// UpdateMappingConfidence adjusts the confidence of a mapping and always
// records a confidence_adjusted history entry with the given reason.
func (s *Service) UpdateMappingConfidence(ctx context.Context, id string, newConfidence float64, reason, userID string) (*models.ControlMapping, error) {
	if newConfidence < 0 || newConfidence > 100 {
		return nil, fmt.Errorf("confidence score must be between 0 and 100, got %.4f: %w", newConfidence, models.ErrValidation)
	}

	current, err := s.store.GetMappingByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust confidence for %s: %w", id, err)
	}

	oldConfidence := current.ConfidenceScore
	current.ConfidenceScore = newConfidence
	current.UpdatedAt = time.Now()

	if err := s.store.UpdateMapping(ctx, current); err != nil {
		metrics.MappingOperations.WithLabelValues("adjust_confidence", "error").Inc()
		return nil, fmt.Errorf("failed to adjust confidence for %s: %w", id, err)
	}

	entry := &models.MappingHistoryEntry{
		ID:                 uuid.New().String(),
		MappingID:          id,
		Action:             models.ActionConfidenceAdjusted,
		OldConfidenceScore: &oldConfidence,
		NewConfidenceScore: &newConfidence,
		ChangeReason:       reason,
		ChangedBy:          userID,
		ChangedAt:          current.UpdatedAt,
	}
	if err := s.store.InsertHistoryEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record confidence adjustment for %s: %w", id, err)
	}

	metrics.MappingOperations.WithLabelValues("adjust_confidence", "success").Inc()
	logger.Info("Mapping confidence adjusted",
		zap.String("mapping_id", id),
		zap.Float64("old_confidence", oldConfidence),
		zap.Float64("new_confidence", newConfidence),
	)

	return current, nil
}

// RemoveMapping deletes a mapping. The deleted history entry is written
// before the live row is removed; if the history write fails the
// deletion does not proceed, so an interrupted removal never loses its
// audit trail.
func (s *Service) RemoveMapping(ctx context.Context, id, userID string) error {
	current, err := s.store.GetMappingByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to remove mapping %s: %w", id, err)
	}

	entry := &models.MappingHistoryEntry{
		ID:                 uuid.New().String(),
		MappingID:          id,
		Action:             models.ActionDeleted,
		OldConfidenceScore: &current.ConfidenceScore,
		ChangedBy:          userID,
		ChangedAt:          time.Now(),
	}
	if err := s.store.InsertHistoryEntry(ctx, entry); err != nil {
		metrics.MappingOperations.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("failed to record deletion history for %s, mapping not removed: %w", id, err)
	}

	if err := s.store.DeleteMapping(ctx, id); err != nil {
		metrics.MappingOperations.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("failed to remove mapping %s: %w", id, err)
	}

	metrics.MappingOperations.WithLabelValues("remove", "success").Inc()
	logger.Info("Control mapping removed", zap.String("mapping_id", id))
	return nil
}

// GetMappingHistory returns the audit trail for a mapping, newest first.
func (s *Service) GetMappingHistory(ctx context.Context, id string) ([]models.MappingHistoryEntry, error) {
	entries, err := s.store.GetHistoryByMappingID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping history for %s: %w", id, err)
	}
	return entries, nil
}

func (s *Service) GetMappingStatistics(ctx context.Context, q Query) (*Statistics, error) {
	if err := validateQuery(&q); err != nil {
		return nil, err
	}

	stats, err := s.store.GetStatistics(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping statistics: %w", err)
	}
	return stats, nil
}

// BulkUpdateMappings applies updates sequentially. The batch is not
// atomic: each item succeeds or fails on its own, and the per-item
// results report what happened.
func (s *Service) BulkUpdateMappings(ctx context.Context, updates []BulkUpdate) ([]BulkUpdateResult, error) {
	results := make([]BulkUpdateResult, 0, len(updates))
	failures := 0

	for _, update := range updates {
		mapping, err := s.UpdateMapping(ctx, update.ID, update.UpdateRequest)
		if err != nil {
			failures++
		}
		results = append(results, BulkUpdateResult{ID: update.ID, Mapping: mapping, Err: err})
	}

	if failures > 0 && failures == len(updates) {
		return results, fmt.Errorf("bulk update failed for all %d mappings: %w", failures, results[0].Err)
	}
	if failures > 0 {
		return results, fmt.Errorf("bulk update failed for %d of %d mappings: %w", failures, len(updates), models.ErrPartialFailure)
	}

	logger.Info("Bulk mapping update completed", zap.Int("count", len(updates)))
	return results, nil
}

// CleanupOldMappings hard-deletes mappings created before the cutoff.
// History entries for the deleted rows are retained.
func (s *Service) CleanupOldMappings(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("retention must be a positive number of days, got %d: %w", olderThanDays, models.ErrValidation)
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	deleted, err := s.store.DeleteMappingsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old mappings: %w", err)
	}

	logger.Info("Old mappings cleaned up",
		zap.Int64("deleted", deleted),
		zap.Int("older_than_days", olderThanDays),
	)
	return deleted, nil
}

func validateMapping(m *models.ControlMapping) error {
	if m.DocumentID == "" || m.ControlID == "" {
		return fmt.Errorf("mapping requires document and control ids: %w", models.ErrValidation)
	}
	if m.ConfidenceScore < 0 || m.ConfidenceScore > 100 {
		return fmt.Errorf("confidence score must be between 0 and 100, got %.4f: %w", m.ConfidenceScore, models.ErrValidation)
	}
	return validateCriteria(m.MappingCriteria)
}

func validateCriteria(criteria models.MappingCriteria) error {
	values := map[string]float64{
		models.CriterionSemanticSimilarity: criteria.SemanticSimilarity,
		models.CriterionKeywordMatch:       criteria.KeywordMatch,
		models.CriterionContextRelevance:   criteria.ContextRelevance,
		models.CriterionDocumentType:       criteria.DocumentType,
	}
	for _, name := range models.CriterionNames() {
		if v := values[name]; v < 0 || v > 1 {
			return fmt.Errorf("criterion %s must be between 0 and 1, got %.4f: %w", name, v, models.ErrValidation)
		}
	}
	return nil
}

func validateQuery(q *Query) error {
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("limit and offset must not be negative: %w", models.ErrValidation)
	}
	if q.Limit == 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.MinConfidence != nil && (*q.MinConfidence < 0 || *q.MinConfidence > 100) {
		return fmt.Errorf("min confidence must be between 0 and 100: %w", models.ErrValidation)
	}
	if q.MaxConfidence != nil && (*q.MaxConfidence < 0 || *q.MaxConfidence > 100) {
		return fmt.Errorf("max confidence must be between 0 and 100: %w", models.ErrValidation)
	}
	if q.MinConfidence != nil && q.MaxConfidence != nil && *q.MinConfidence > *q.MaxConfidence {
		return fmt.Errorf("min confidence exceeds max confidence: %w", models.ErrValidation)
	}
	if q.CreatedAfter != nil && q.CreatedBefore != nil && q.CreatedAfter.After(*q.CreatedBefore) {
		return fmt.Errorf("created-after bound exceeds created-before bound: %w", models.ErrValidation)
	}
	return nil
}
