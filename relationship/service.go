package relationship

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
)

// Store is the persistence surface for control relationship edges.
type Store interface {
	InsertRelationship(ctx context.Context, rel *models.ControlRelationship) error
	GetRelationshipByID(ctx context.Context, id string) (*models.ControlRelationship, error)
	QueryRelationships(ctx context.Context, filter Filter) ([]models.ControlRelationship, error)
	UpdateRelationshipStrength(ctx context.Context, id string, strength float64) error
	DeleteRelationship(ctx context.Context, id string) error
}

// Catalog lists the active control set, used for coverage reporting.
type Catalog interface {
	GetAllActiveControls(ctx context.Context, framework string) ([]models.Control, error)
}

// Filter narrows a relationship query. ControlIDs matches edges with
// either endpoint in the set; SourceControlID and TargetControlID match
// one endpoint exactly. Zero values are ignored.
type Filter struct {
	ControlIDs       []string
	SourceControlID  string
	TargetControlID  string
	Framework        string
	RelationshipType string
	MinStrength      float64
}

// QueryOptions are the optional predicates of GetRelationships.
type QueryOptions struct {
	Framework        string
	RelationshipType string
	MinStrength      float64
}

type Service struct {
	store   Store
	catalog Catalog
}

func NewService(store Store, catalog Catalog) *Service {
	return &Service{store: store, catalog: catalog}
}

// GetRelationships returns edges where either endpoint is in controlIDs,
// narrowed by the optional predicates.
func (s *Service) GetRelationships(ctx context.Context, controlIDs []string, opts QueryOptions) ([]models.ControlRelationship, error) {
	if len(controlIDs) == 0 {
		return []models.ControlRelationship{}, nil
	}

	rels, err := s.store.QueryRelationships(ctx, Filter{
		ControlIDs:       controlIDs,
		Framework:        opts.Framework,
		RelationshipType: opts.RelationshipType,
		MinStrength:      opts.MinStrength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get relationships: %w", err)
	}
	return rels, nil
}

// GetDependencies returns edges pointing at controlID (edges where it is
// the target).
func (s *Service) GetDependencies(ctx context.Context, controlID, framework string) ([]models.ControlRelationship, error) {
	rels, err := s.store.QueryRelationships(ctx, Filter{
		TargetControlID: controlID,
		Framework:       framework,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dependencies for %s: %w", controlID, err)
	}
	return rels, nil
}

// GetDependents returns edges leaving controlID (edges where it is the
// source).
func (s *Service) GetDependents(ctx context.Context, controlID, framework string) ([]models.ControlRelationship, error) {
	rels, err := s.store.QueryRelationships(ctx, Filter{
		SourceControlID: controlID,
		Framework:       framework,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dependents for %s: %w", controlID, err)
	}
	return rels, nil
}

func (s *Service) AddRelationship(ctx context.Context, rel models.ControlRelationship) (*models.ControlRelationship, error) {
	if err := validateRelationship(&rel); err != nil {
		return nil, err
	}

	rel.ID = uuid.New().String()
	rel.CreatedAt = time.Now()

	if err := s.store.InsertRelationship(ctx, &rel); err != nil {
		return nil, fmt.Errorf("failed to add relationship: %w", err)
	}

	logger.Info("Control relationship added",
		zap.String("relationship_id", rel.ID),
		zap.String("source", rel.SourceControlID),
		zap.String("target", rel.TargetControlID),
		zap.String("type", rel.RelationshipType),
	)

	return &rel, nil
}

func (s *Service) UpdateStrength(ctx context.Context, id string, strength float64) error {
	if strength < 0 || strength > 1 {
		return fmt.Errorf("strength must be between 0 and 1, got %.4f: %w", strength, models.ErrValidation)
	}

	if err := s.store.UpdateRelationshipStrength(ctx, id, strength); err != nil {
		return fmt.Errorf("failed to update relationship strength: %w", err)
	}

	logger.Debug("Relationship strength updated", zap.String("relationship_id", id), zap.Float64("strength", strength))
	return nil
}

func (s *Service) RemoveRelationship(ctx context.Context, id string) error {
	if err := s.store.DeleteRelationship(ctx, id); err != nil {
		return fmt.Errorf("failed to remove relationship: %w", err)
	}

	logger.Info("Control relationship removed", zap.String("relationship_id", id))
	return nil
}

func validateRelationship(rel *models.ControlRelationship) error {
	if rel.SourceControlID == "" || rel.TargetControlID == "" {
		return fmt.Errorf("relationship requires source and target control ids: %w", models.ErrValidation)
	}
	if rel.RelationshipType == "" {
		return fmt.Errorf("relationship requires a type: %w", models.ErrValidation)
	}
	if rel.Strength < 0 || rel.Strength > 1 {
		return fmt.Errorf("strength must be between 0 and 1, got %.4f: %w", rel.Strength, models.ErrValidation)
	}
	return nil
}
