package scoring_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/scoring"
)

type failingProvider struct{}

func (failingProvider) CurrentWeights(ctx context.Context) (models.ConfidenceWeights, error) {
	return models.ConfidenceWeights{}, errors.New("weights unavailable")
}

func (failingProvider) StoreWeights(ctx context.Context, weights models.ConfidenceWeights) error {
	return errors.New("weights unavailable")
}

func defaultScorer() *scoring.Scorer {
	return scoring.NewScorer(scoring.NewStaticProvider(models.DefaultWeights()))
}

// expectedScore mirrors the scoring pipeline for a known weight set so
// tests can assert exact values.
func expectedScore(f models.MappingCriteria, w models.ConfidenceWeights) float64 {
	raw := f.SemanticSimilarity*w.SemanticSimilarity +
		f.KeywordMatch*w.KeywordMatch +
		f.ContextRelevance*w.ContextRelevance +
		f.DocumentType*w.DocumentType
	return math.Pow(raw, 0.8) * 100
}

func TestScore_ReferenceScenario(t *testing.T) {
	// Perfect semantic match, strong keyword overlap, mid context,
	// policy-grade document type. Raw weighted sum is 0.73.
	factors := models.MappingCriteria{
		SemanticSimilarity: 1.0,
		KeywordMatch:       0.8,
		ContextRelevance:   0.6,
		DocumentType:       0.9,
	}

	scorer := defaultScorer()
	got := scorer.Score(context.Background(), factors)

	assert.InDelta(t, math.Pow(0.73, 0.8)*100, got, 0.01)
	assert.Equal(t, models.ClassificationMedium, scorer.Classify(got))
}

func TestScore_Bounds(t *testing.T) {
	scorer := defaultScorer()
	ctx := context.Background()

	tests := []struct {
		name    string
		factors models.MappingCriteria
		want    float64
	}{
		{
			name:    "all zero factors",
			factors: models.MappingCriteria{},
			want:    0,
		},
		{
			name: "all perfect factors",
			factors: models.MappingCriteria{
				SemanticSimilarity: 1,
				KeywordMatch:       1,
				ContextRelevance:   1,
				DocumentType:       1,
			},
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.Score(ctx, tt.factors)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestScore_ClampsOutOfRangeFactors(t *testing.T) {
	scorer := defaultScorer()
	ctx := context.Background()

	wild := models.MappingCriteria{
		SemanticSimilarity: 1.7,
		KeywordMatch:       -0.4,
		ContextRelevance:   0.5,
		DocumentType:       2.0,
	}
	clamped := models.MappingCriteria{
		SemanticSimilarity: 1,
		KeywordMatch:       0,
		ContextRelevance:   0.5,
		DocumentType:       1,
	}

	assert.InDelta(t, scorer.Score(ctx, clamped), scorer.Score(ctx, wild), 1e-12)

	got := scorer.Score(ctx, wild)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 100.0)
}

func TestScore_MonotonicInEachFactor(t *testing.T) {
	scorer := defaultScorer()
	ctx := context.Background()

	base := models.MappingCriteria{
		SemanticSimilarity: 0.3,
		KeywordMatch:       0.3,
		ContextRelevance:   0.3,
		DocumentType:       0.3,
	}
	baseScore := scorer.Score(ctx, base)

	variants := []models.MappingCriteria{
		{SemanticSimilarity: 0.6, KeywordMatch: 0.3, ContextRelevance: 0.3, DocumentType: 0.3},
		{SemanticSimilarity: 0.3, KeywordMatch: 0.6, ContextRelevance: 0.3, DocumentType: 0.3},
		{SemanticSimilarity: 0.3, KeywordMatch: 0.3, ContextRelevance: 0.6, DocumentType: 0.3},
		{SemanticSimilarity: 0.3, KeywordMatch: 0.3, ContextRelevance: 0.3, DocumentType: 0.6},
	}
	for _, factors := range variants {
		assert.Greater(t, scorer.Score(ctx, factors), baseScore)
	}
}

func TestClassify(t *testing.T) {
	scorer := defaultScorer()

	tests := []struct {
		score float64
		want  string
	}{
		{95, models.ClassificationHigh},
		{80, models.ClassificationHigh},
		{79.99, models.ClassificationMedium},
		{60, models.ClassificationMedium},
		{59.99, models.ClassificationLow},
		{40, models.ClassificationLow},
		{39.99, models.ClassificationVeryLow},
		{0, models.ClassificationVeryLow},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, scorer.Classify(tt.score), "score=%.2f", tt.score)
	}
}

func TestScore_FallsBackToMeanOnProviderError(t *testing.T) {
	scorer := scoring.NewScorer(failingProvider{})

	factors := models.MappingCriteria{
		SemanticSimilarity: 0.8,
		KeywordMatch:       0.6,
		ContextRelevance:   0.4,
		DocumentType:       0.2,
	}
	got := scorer.Score(context.Background(), factors)

	equal := models.ConfidenceWeights{
		SemanticSimilarity: 0.25,
		KeywordMatch:       0.25,
		ContextRelevance:   0.25,
		DocumentType:       0.25,
	}
	assert.InDelta(t, expectedScore(factors, equal), got, 1e-12)
}

func TestScore_FallsBackToMeanOnInvalidStoredWeights(t *testing.T) {
	// Stored weights that sum to 1.7 are unusable.
	broken := scoring.NewStaticProvider(models.ConfidenceWeights{
		SemanticSimilarity: 0.9,
		KeywordMatch:       0.5,
		ContextRelevance:   0.2,
		DocumentType:       0.1,
	})
	scorer := scoring.NewScorer(broken)

	factors := models.MappingCriteria{
		SemanticSimilarity: 1,
		KeywordMatch:       0,
		ContextRelevance:   0,
		DocumentType:       0,
	}
	got := scorer.Score(context.Background(), factors)

	assert.InDelta(t, math.Pow(0.25, 0.8)*100, got, 1e-9)
}

func TestValidateWeights_AcceptsDefaults(t *testing.T) {
	scorer := defaultScorer()

	result := scorer.ValidateWeights(map[string]float64{
		models.CriterionSemanticSimilarity: 0.4,
		models.CriterionKeywordMatch:       0.3,
		models.CriterionContextRelevance:   0.2,
		models.CriterionDocumentType:       0.1,
	})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateWeights_ToleratesSmallSumDrift(t *testing.T) {
	scorer := defaultScorer()

	result := scorer.ValidateWeights(map[string]float64{
		models.CriterionSemanticSimilarity: 0.4,
		models.CriterionKeywordMatch:       0.3,
		models.CriterionContextRelevance:   0.2,
		models.CriterionDocumentType:       0.105,
	})
	assert.True(t, result.Valid, "sum 1.005 is within tolerance: %v", result.Errors)

	result = scorer.ValidateWeights(map[string]float64{
		models.CriterionSemanticSimilarity: 0.4,
		models.CriterionKeywordMatch:       0.3,
		models.CriterionContextRelevance:   0.2,
		models.CriterionDocumentType:       0.13,
	})
	assert.False(t, result.Valid, "sum 1.03 is outside tolerance")
}

func TestValidateWeights_CollectsAllViolations(t *testing.T) {
	scorer := defaultScorer()

	result := scorer.ValidateWeights(map[string]float64{
		models.CriterionSemanticSimilarity: 0.5,
		"recency":                          0.5,
	})

	require.False(t, result.Valid)
	assert.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], models.CriterionKeywordMatch)
	assert.Contains(t, result.Errors[1], models.CriterionContextRelevance)
	assert.Contains(t, result.Errors[2], models.CriterionDocumentType)
	assert.Contains(t, result.Errors[3], "recency")
	assert.Contains(t, result.Errors[4], "sum")
}

func TestValidateWeights_RejectsOutOfRangeValues(t *testing.T) {
	scorer := defaultScorer()

	result := scorer.ValidateWeights(map[string]float64{
		models.CriterionSemanticSimilarity: 1.2,
		models.CriterionKeywordMatch:       -0.2,
		models.CriterionContextRelevance:   0.5,
		models.CriterionDocumentType:       0.5,
	})

	require.False(t, result.Valid)
	// Two range violations plus the sum violation (2.0).
	assert.Len(t, result.Errors, 3)
}

func TestUpdateWeights_MergesOverrides(t *testing.T) {
	provider := scoring.NewStaticProvider(models.DefaultWeights())
	scorer := scoring.NewScorer(provider)
	ctx := context.Background()

	err := scorer.UpdateWeights(ctx, map[string]float64{
		models.CriterionSemanticSimilarity: 0.5,
		models.CriterionKeywordMatch:       0.2,
	})
	require.NoError(t, err)

	weights, err := provider.CurrentWeights(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, weights.SemanticSimilarity, 1e-9)
	assert.InDelta(t, 0.2, weights.KeywordMatch, 1e-9)
	assert.InDelta(t, 0.2, weights.ContextRelevance, 1e-9)
	assert.InDelta(t, 0.1, weights.DocumentType, 1e-9)
}

func TestUpdateWeights_RejectsEmptyOverrides(t *testing.T) {
	scorer := defaultScorer()

	err := scorer.UpdateWeights(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpdateWeights_RejectsInvalidMerge(t *testing.T) {
	provider := scoring.NewStaticProvider(models.DefaultWeights())
	scorer := scoring.NewScorer(provider)
	ctx := context.Background()

	err := scorer.UpdateWeights(ctx, map[string]float64{
		models.CriterionSemanticSimilarity: 0.9,
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	weights, err := provider.CurrentWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultWeights(), weights)
}

func TestBreakdown_ContributionsMatchOverall(t *testing.T) {
	scorer := defaultScorer()

	factors := models.MappingCriteria{
		SemanticSimilarity: 0.9,
		KeywordMatch:       0.5,
		ContextRelevance:   0.7,
		DocumentType:       0.3,
	}
	breakdown := scorer.Breakdown(context.Background(), factors)

	require.Len(t, breakdown.Factors, 4)
	raw := 0.0
	for name, entry := range breakdown.Factors {
		assert.InDelta(t, entry.Score*entry.Weight, entry.Contribution, 1e-12, "factor %s", name)
		raw += entry.Contribution
	}
	assert.InDelta(t, math.Pow(raw, 0.8)*100, breakdown.Overall, 1e-9)
	assert.InDelta(t, scorer.Score(context.Background(), factors), breakdown.Overall, 1e-9)
}
