package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/complymap/engine/models"
	"github.com/complymap/engine/pkg/logger"
)

const defaultWeightsTTL = 5 * time.Minute

// WeightsStore is the persistence surface for the weight configuration,
// keyed by criterion name.
type WeightsStore interface {
	GetWeights(ctx context.Context) (map[string]float64, error)
	SaveWeights(ctx context.Context, weights map[string]float64) error
}

// StoreProvider reads weights through an in-process cache with a TTL.
// An unreachable store or a missing criterion falls back to the default
// weight set rather than failing the scoring call.
type StoreProvider struct {
	store WeightsStore
	ttl   time.Duration

	mu      sync.RWMutex
	cached  models.ConfidenceWeights
	expires time.Time
}

func NewStoreProvider(store WeightsStore, ttl time.Duration) *StoreProvider {
	if ttl <= 0 {
		ttl = defaultWeightsTTL
	}
	return &StoreProvider{store: store, ttl: ttl}
}

func (p *StoreProvider) CurrentWeights(ctx context.Context) (models.ConfidenceWeights, error) {
	p.mu.RLock()
	if time.Now().Before(p.expires) {
		weights := p.cached
		p.mu.RUnlock()
		return weights, nil
	}
	p.mu.RUnlock()

	stored, err := p.store.GetWeights(ctx)
	if err != nil {
		logger.Warn("Failed to load confidence weights, using defaults", zap.Error(err))
		return models.DefaultWeights(), nil
	}

	weights := mergeWithDefaults(stored)

	p.mu.Lock()
	p.cached = weights
	p.expires = time.Now().Add(p.ttl)
	p.mu.Unlock()

	return weights, nil
}

func (p *StoreProvider) StoreWeights(ctx context.Context, weights models.ConfidenceWeights) error {
	if err := p.store.SaveWeights(ctx, weightsToMap(weights)); err != nil {
		return fmt.Errorf("failed to save confidence weights: %w", err)
	}

	p.mu.Lock()
	p.cached = weights
	p.expires = time.Now().Add(p.ttl)
	p.mu.Unlock()

	return nil
}

func mergeWithDefaults(stored map[string]float64) models.ConfidenceWeights {
	merged := weightsToMap(models.DefaultWeights())
	for _, name := range models.CriterionNames() {
		if value, ok := stored[name]; ok {
			merged[name] = value
		}
	}
	return weightsFromMap(merged)
}

// StaticProvider serves a fixed weight set from memory. Useful for
// callers without a weights table and for tests.
type StaticProvider struct {
	mu      sync.RWMutex
	weights models.ConfidenceWeights
}

func NewStaticProvider(weights models.ConfidenceWeights) *StaticProvider {
	return &StaticProvider{weights: weights}
}

func (p *StaticProvider) CurrentWeights(ctx context.Context) (models.ConfidenceWeights, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.weights, nil
}

func (p *StaticProvider) StoreWeights(ctx context.Context, weights models.ConfidenceWeights) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weights = weights
	return nil
}
