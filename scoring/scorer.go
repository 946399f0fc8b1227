package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
)

const (
	// Concave curve exponent applied to the raw weighted score. Values
	// below 1 reward high-confidence factor combinations disproportionately.
	confidenceCurveExponent = 0.8

	weightSumTolerance = 0.01

	thresholdHigh   = 80.0
	thresholdMedium = 60.0
	thresholdLow    = 40.0
)

// WeightsProvider supplies the current confidence weight set and accepts
// replacements. Implementations must be safe for concurrent use.
type WeightsProvider interface {
	CurrentWeights(ctx context.Context) (models.ConfidenceWeights, error)
	StoreWeights(ctx context.Context, weights models.ConfidenceWeights) error
}

// Scorer turns a factor vector into a bounded confidence score.
type Scorer struct {
	weights WeightsProvider
}

func NewScorer(weights WeightsProvider) *Scorer {
	return &Scorer{weights: weights}
}

// Score computes the confidence for the given factors, in [0,100].
// Weight problems never surface as errors: an unreachable provider or an
// invalid stored set degrades to the unweighted mean of the factors.
func (s *Scorer) Score(ctx context.Context, factors models.MappingCriteria) float64 {
	factors = clampFactors(factors)
	weights := s.resolveWeights(ctx)

	raw := factors.SemanticSimilarity*weights.SemanticSimilarity +
		factors.KeywordMatch*weights.KeywordMatch +
		factors.ContextRelevance*weights.ContextRelevance +
		factors.DocumentType*weights.DocumentType

	return clampScore(math.Pow(raw, confidenceCurveExponent) * 100)
}

type FactorBreakdown struct {
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

type Breakdown struct {
	Overall float64                    `json:"overall"`
	Factors map[string]FactorBreakdown `json:"factors"`
}

// Breakdown reports the overall score together with each factor's value,
// effective weight, and contribution to the raw weighted sum.
func (s *Scorer) Breakdown(ctx context.Context, factors models.MappingCriteria) Breakdown {
	factors = clampFactors(factors)
	weights := s.resolveWeights(ctx)

	entries := map[string]FactorBreakdown{
		models.CriterionSemanticSimilarity: {Score: factors.SemanticSimilarity, Weight: weights.SemanticSimilarity},
		models.CriterionKeywordMatch:       {Score: factors.KeywordMatch, Weight: weights.KeywordMatch},
		models.CriterionContextRelevance:   {Score: factors.ContextRelevance, Weight: weights.ContextRelevance},
		models.CriterionDocumentType:       {Score: factors.DocumentType, Weight: weights.DocumentType},
	}

	raw := 0.0
	for name, entry := range entries {
		entry.Contribution = entry.Score * entry.Weight
		entries[name] = entry
		raw += entry.Contribution
	}

	return Breakdown{
		Overall: clampScore(math.Pow(raw, confidenceCurveExponent) * 100),
		Factors: entries,
	}
}

// Classify buckets a confidence score into a tier.
func (s *Scorer) Classify(score float64) string {
	switch {
	case score >= thresholdHigh:
		return models.ClassificationHigh
	case score >= thresholdMedium:
		return models.ClassificationMedium
	case score >= thresholdLow:
		return models.ClassificationLow
	default:
		return models.ClassificationVeryLow
	}
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateWeights checks a candidate weight set keyed by criterion name.
// All violations are collected so the caller can report them together:
// missing canonical criteria, unknown criteria, out-of-range values, and
// a sum (over the canonical criteria present) outside 1.0 ± 0.01.
func (s *Scorer) ValidateWeights(candidate map[string]float64) ValidationResult {
	var errs []string

	known := make(map[string]bool)
	sum := 0.0
	for _, name := range models.CriterionNames() {
		known[name] = true

		value, ok := candidate[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("missing weight for %s", name))
			continue
		}
		if value < 0 || value > 1 {
			errs = append(errs, fmt.Sprintf("weight %s must be between 0 and 1, got %.4f", name, value))
		}
		sum += value
	}

	var unknown []string
	for name := range candidate {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Sprintf("unknown weight criterion %s", name))
	}

	if math.Abs(sum-1.0) > weightSumTolerance {
		errs = append(errs, fmt.Sprintf("weights must sum to 1.0, got %.4f", sum))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// UpdateWeights applies per-criterion overwrites on top of the current
// set, validates the merged result, and persists it through the provider.
func (s *Scorer) UpdateWeights(ctx context.Context, overrides map[string]float64) error {
	if len(overrides) == 0 {
		return fmt.Errorf("no weight overrides provided: %w", models.ErrValidation)
	}

	current, err := s.weights.CurrentWeights(ctx)
	if err != nil {
		logger.Warn("Failed to load current weights, merging overrides into defaults", zap.Error(err))
		current = models.DefaultWeights()
	}

	merged := weightsToMap(current)
	for name, value := range overrides {
		merged[name] = value
	}

	if result := s.ValidateWeights(merged); !result.Valid {
		return fmt.Errorf("invalid weight set %v: %w", result.Errors, models.ErrValidation)
	}

	if err := s.weights.StoreWeights(ctx, weightsFromMap(merged)); err != nil {
		return fmt.Errorf("failed to update weights: %w", err)
	}

	logger.Info("Confidence weights updated", zap.Int("overrides", len(overrides)))
	return nil
}

// resolveWeights returns the weight set to score with. A provider error
// or an invalid stored set degrades to equal weights, which makes the
// weighted sum the arithmetic mean of the factors.
func (s *Scorer) resolveWeights(ctx context.Context) models.ConfidenceWeights {
	weights, err := s.weights.CurrentWeights(ctx)
	if err != nil {
		logger.Warn("Weight lookup failed, scoring with unweighted mean", zap.Error(err))
		return equalWeights()
	}
	if result := s.ValidateWeights(weightsToMap(weights)); !result.Valid {
		logger.Warn("Stored weight set invalid, scoring with unweighted mean",
			zap.Strings("problems", result.Errors))
		return equalWeights()
	}
	return weights
}

func equalWeights() models.ConfidenceWeights {
	return models.ConfidenceWeights{
		SemanticSimilarity: 0.25,
		KeywordMatch:       0.25,
		ContextRelevance:   0.25,
		DocumentType:       0.25,
	}
}

func weightsToMap(w models.ConfidenceWeights) map[string]float64 {
	return map[string]float64{
		models.CriterionSemanticSimilarity: w.SemanticSimilarity,
		models.CriterionKeywordMatch:       w.KeywordMatch,
		models.CriterionContextRelevance:   w.ContextRelevance,
		models.CriterionDocumentType:       w.DocumentType,
	}
}

func weightsFromMap(m map[string]float64) models.ConfidenceWeights {
	return models.ConfidenceWeights{
		SemanticSimilarity: m[models.CriterionSemanticSimilarity],
		KeywordMatch:       m[models.CriterionKeywordMatch],
		ContextRelevance:   m[models.CriterionContextRelevance],
		DocumentType:       m[models.CriterionDocumentType],
	}
}

func clampFactors(factors models.MappingCriteria) models.MappingCriteria {
	factors.SemanticSimilarity = clamp01(factors.SemanticSimilarity)
	factors.KeywordMatch = clamp01(factors.KeywordMatch)
	factors.ContextRelevance = clamp01(factors.ContextRelevance)
	factors.DocumentType = clamp01(factors.DocumentType)
	return factors
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
