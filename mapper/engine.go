package mapper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/complymap/engine/mappings"
	"github.com/complymap/engine/metrics"
	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
	"github.com/complymap/engine/relationship"
	"github.com/complymap/engine/scoring"
)

const (
	defaultMinConfidence       = 70.0
	defaultMaxConcurrentScores = 4
	coveragePageSize           = 200
)

// DocumentProvider resolves documents and their fragments. A missing
// document is reported as (nil, nil).
type DocumentProvider interface {
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	GetDocumentChunks(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
}

// EmbeddingProvider resolves stored embedding vectors. An absent
// embedding is reported as (nil, nil).
type EmbeddingProvider interface {
	GetChunkEmbedding(ctx context.Context, chunkID string) ([]float32, error)
	GetControlEmbedding(ctx context.Context, controlID string) ([]float32, error)
}

// Catalog resolves the controls a document can be mapped against.
type Catalog interface {
	GetControlsByIDs(ctx context.Context, ids []string, framework string) ([]models.Control, error)
	GetAllActiveControls(ctx context.Context, framework string) ([]models.Control, error)
}

type Config struct {
	DefaultMinConfidence float64
	MaxConcurrentScores  int
}

// Engine orchestrates a full mapping run: fragment retrieval, factor
// computation, confidence scoring, persistence, and relationship
// enrichment.
type Engine struct {
	scorer          *scoring.Scorer
	mappingSvc      *mappings.Service
	relationshipSvc *relationship.Service
	documents       DocumentProvider
	embeddings      EmbeddingProvider
	catalog         Catalog

	minConfidence float64
	maxParallel   int
}

func NewEngine(
	scorer *scoring.Scorer,
	mappingSvc *mappings.Service,
	relationshipSvc *relationship.Service,
	documents DocumentProvider,
	embeddings EmbeddingProvider,
	catalog Catalog,
	cfg Config,
) *Engine {
	minConfidence := cfg.DefaultMinConfidence
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}
	maxParallel := cfg.MaxConcurrentScores
	if maxParallel <= 0 {
		maxParallel = defaultMaxConcurrentScores
	}

	return &Engine{
		scorer:          scorer,
		mappingSvc:      mappingSvc,
		relationshipSvc: relationshipSvc,
		documents:       documents,
		embeddings:      embeddings,
		catalog:         catalog,
		minConfidence:   minConfidence,
		maxParallel:     maxParallel,
	}
}

type MapRequest struct {
	DocumentID           string   `json:"document_id"`
	ControlIDs           []string `json:"control_ids,omitempty"`
	Framework            string   `json:"framework,omitempty"`
	MinConfidence        float64  `json:"min_confidence,omitempty"`
	IncludeRelationships bool     `json:"include_relationships,omitempty"`
	CreatedBy            string   `json:"created_by,omitempty"`
}

type MapResult struct {
	Mappings         []models.ControlMapping      `json:"mappings"`
	Relationships    []models.ControlRelationship `json:"relationships,omitempty"`
	TotalProcessed   int                          `json:"total_processed"`
	ProcessingTimeMS int64                        `json:"processing_time_ms"`
}

// MapDocumentToControls scores a document against candidate controls
// and persists every mapping that clears the confidence threshold.
// Controls without stored embeddings are skipped rather than failing
// the run.
func (e *Engine) MapDocumentToControls(ctx context.Context, req MapRequest) (*MapResult, error) {
	start := time.Now()

	if req.DocumentID == "" {
		return nil, fmt.Errorf("document id is required: %w", models.ErrValidation)
	}

	doc, err := e.documents.GetDocumentByID(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", req.DocumentID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", req.DocumentID, models.ErrNotFound)
	}

	chunks, err := e.documents.GetDocumentChunks(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fragments for document %s: %w", req.DocumentID, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %s has no fragments: %w", req.DocumentID, models.ErrNotFound)
	}

	controls, err := e.resolveControls(ctx, req)
	if err != nil {
		return nil, err
	}

	chunkEmbeddings := e.loadChunkEmbeddings(ctx, chunks)
	if len(chunkEmbeddings) == 0 {
		logger.Warn("No fragment embeddings available, semantic similarity will be zero",
			zap.String("document_id", req.DocumentID))
	}

	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = e.minConfidence
	}

	var (
		mu         sync.Mutex
		candidates []models.ControlMapping
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for i := range controls {
		control := controls[i]
		g.Go(func() error {
			mapping, err := e.scoreControl(gctx, req.DocumentID, control, chunks, chunkEmbeddings, minConfidence)
			if err != nil {
				return err
			}
			if mapping != nil {
				mu.Lock()
				candidates = append(candidates, *mapping)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.MappingOperations.WithLabelValues("map_document", "error").Inc()
		return nil, fmt.Errorf("failed to score controls for document %s: %w", req.DocumentID, err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ConfidenceScore != candidates[j].ConfidenceScore {
			return candidates[i].ConfidenceScore > candidates[j].ConfidenceScore
		}
		return candidates[i].ControlID < candidates[j].ControlID
	})
	for i := range candidates {
		candidates[i].CreatedBy = req.CreatedBy
	}

	saved, err := e.mappingSvc.SaveMappings(ctx, candidates)
	result := &MapResult{
		Mappings:         saved,
		TotalProcessed:   len(controls),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		metrics.MappingOperations.WithLabelValues("map_document", "error").Inc()
		return result, fmt.Errorf("failed to persist mappings for document %s: %w", req.DocumentID, err)
	}

	if req.IncludeRelationships && len(saved) > 0 {
		result.Relationships = e.loadRelationships(ctx, saved, req.Framework)
	}
	result.ProcessingTimeMS = time.Since(start).Milliseconds()

	metrics.MappingDuration.WithLabelValues("map_document").Observe(time.Since(start).Seconds())
	metrics.MappingOperations.WithLabelValues("map_document", "success").Inc()
	metrics.ControlsEvaluated.Observe(float64(len(controls)))

	logger.Info("Document mapped to controls",
		zap.String("document_id", req.DocumentID),
		zap.Int("controls_evaluated", len(controls)),
		zap.Int("mappings_created", len(saved)),
		zap.Int64("duration_ms", result.ProcessingTimeMS),
	)

	return result, nil
}

func (e *Engine) resolveControls(ctx context.Context, req MapRequest) ([]models.Control, error) {
	var (
		controls []models.Control
		err      error
	)
	if len(req.ControlIDs) > 0 {
		controls, err = e.catalog.GetControlsByIDs(ctx, req.ControlIDs, req.Framework)
	} else {
		controls, err = e.catalog.GetAllActiveControls(ctx, req.Framework)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate controls: %w", err)
	}
	if len(controls) == 0 {
		return nil, fmt.Errorf("no candidate controls found: %w", models.ErrNotFound)
	}
	return controls, nil
}

func (e *Engine) loadChunkEmbeddings(ctx context.Context, chunks []models.DocumentChunk) map[string][]float32 {
	embeddings := make(map[string][]float32, len(chunks))
	for _, chunk := range chunks {
		vector, err := e.embeddings.GetChunkEmbedding(ctx, chunk.ID)
		if err != nil {
			logger.Warn("Failed to load fragment embedding",
				zap.String("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		if vector == nil {
			continue
		}
		embeddings[chunk.ID] = vector
	}
	return embeddings
}

// scoreControl evaluates one control against every fragment and keeps
// the best-matching fragment's factors. A nil mapping means the control
// was skipped or fell below the threshold.
func (e *Engine) scoreControl(
	ctx context.Context,
	documentID string,
	control models.Control,
	chunks []models.DocumentChunk,
	chunkEmbeddings map[string][]float32,
	minConfidence float64,
) (*models.ControlMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	controlEmbedding, err := e.embeddings.GetControlEmbedding(ctx, control.ID)
	if err != nil {
		logger.Warn("Failed to load control embedding, skipping control",
			zap.String("control_id", control.ID), zap.Error(err))
		return nil, nil
	}
	if controlEmbedding == nil {
		logger.Debug("Control has no stored embedding, skipping",
			zap.String("control_id", control.ID))
		return nil, nil
	}

	bestSimilarity := -1.0
	var bestChunk models.DocumentChunk
	for _, chunk := range chunks {
		vector, ok := chunkEmbeddings[chunk.ID]
		similarity := 0.0
		if ok {
			similarity = cosineSimilarity(vector, controlEmbedding)
		}
		if similarity > bestSimilarity {
			bestSimilarity = similarity
			bestChunk = chunk
		}
	}

	factors := models.MappingCriteria{
		SemanticSimilarity: clamp01(bestSimilarity),
		KeywordMatch:       keywordOverlap(bestChunk.Content, control.Description),
		ContextRelevance:   contextRelevance(bestChunk),
		DocumentType:       documentTypeRelevance(bestChunk.DocumentType),
	}

	score := e.scorer.Score(ctx, factors)
	metrics.ConfidenceScore.Observe(score)

	if score < minConfidence {
		return nil, nil
	}

	return &models.ControlMapping{
		DocumentID:       documentID,
		ControlID:        control.ID,
		ControlFramework: control.Framework,
		ConfidenceScore:  score,
		MappingCriteria:  factors,
	}, nil
}

func (e *Engine) loadRelationships(ctx context.Context, saved []models.ControlMapping, framework string) []models.ControlRelationship {
	seen := make(map[string]bool, len(saved))
	controlIDs := make([]string, 0, len(saved))
	for _, m := range saved {
		if !seen[m.ControlID] {
			seen[m.ControlID] = true
			controlIDs = append(controlIDs, m.ControlID)
		}
	}

	relationships, err := e.relationshipSvc.GetRelationships(ctx, controlIDs, relationship.QueryOptions{Framework: framework})
	if err != nil {
		logger.Warn("Failed to load relationships for mapped controls", zap.Error(err))
		return nil
	}
	return relationships
}

type DocumentCoverageReport struct {
	DocumentID         string   `json:"document_id"`
	TotalControls      int      `json:"total_controls"`
	MappedControls     int      `json:"mapped_controls"`
	CoveragePercentage float64  `json:"coverage_percentage"`
	HighConfidence     []string `json:"high_confidence"`
	MediumConfidence   []string `json:"medium_confidence"`
	LowConfidence      []string `json:"low_confidence"`
	UnmappedControls   []string `json:"unmapped_controls"`
}

// GetControlCoverageReport summarizes how well a document covers the
// active control set, bucketing mapped controls by their best
// confidence score.
func (e *Engine) GetControlCoverageReport(ctx context.Context, documentID string) (*DocumentCoverageReport, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is required: %w", models.ErrValidation)
	}

	controls, err := e.catalog.GetAllActiveControls(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load controls for coverage report: %w", err)
	}

	best := make(map[string]float64)
	offset := 0
	for {
		page, err := e.mappingSvc.GetMappings(ctx, mappings.Query{
			DocumentID: documentID,
			Limit:      coveragePageSize,
			Offset:     offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load mappings for coverage report: %w", err)
		}
		for _, m := range page.Mappings {
			if m.ConfidenceScore > best[m.ControlID] {
				best[m.ControlID] = m.ConfidenceScore
			}
		}
		if !page.HasMore {
			break
		}
		offset += len(page.Mappings)
	}

	report := &DocumentCoverageReport{
		DocumentID:       documentID,
		TotalControls:    len(controls),
		HighConfidence:   []string{},
		MediumConfidence: []string{},
		LowConfidence:    []string{},
		UnmappedControls: []string{},
	}

	for _, control := range controls {
		score, mapped := best[control.ID]
		if !mapped {
			report.UnmappedControls = append(report.UnmappedControls, control.ID)
			continue
		}
		report.MappedControls++
		switch {
		case score >= 80:
			report.HighConfidence = append(report.HighConfidence, control.ID)
		case score >= 60:
			report.MediumConfidence = append(report.MediumConfidence, control.ID)
		default:
			report.LowConfidence = append(report.LowConfidence, control.ID)
		}
	}

	if report.TotalControls > 0 {
		report.CoveragePercentage = float64(report.MappedControls) / float64(report.TotalControls) * 100
	}

	sort.Strings(report.HighConfidence)
	sort.Strings(report.MediumConfidence)
	sort.Strings(report.LowConfidence)
	sort.Strings(report.UnmappedControls)

	return report, nil
}
