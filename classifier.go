package openmemory

import (
	"math"
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Per-tenant online sector classifier: softmax regression over mean vectors,
// trained from each tenant's own primary-sector labels. Small on purpose —
// it only has to beat the keyword heuristics, not a language model.

const (
	classifierLearningRate = 0.05
	classifierEpochs       = 5
	classifierMaxSamples   = 10000
	classifierMinSamples   = 16
)

// ClassifierCache serves trained models from memory, loading from the store
// on first use and invalidating when training writes a new version.
type ClassifierCache struct {
	store  *Store
	logger *zap.Logger

	mu     sync.RWMutex
	models map[string]*ClassifierModel
}

// NewClassifierCache builds the cache.
func NewClassifierCache(store *Store, logger *zap.Logger) *ClassifierCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassifierCache{store: store, logger: logger, models: make(map[string]*ClassifierModel)}
}

// Predict returns the most likely sector and its softmax probability for one
// tenant's vector. ok is false when no trained model exists or dimensions
// mismatch.
func (c *ClassifierCache) Predict(tenantID string, vec []float32) (Sector, float64, bool) {
	model := c.get(tenantID)
	if model == nil || len(model.Weights) != len(AllSectors) {
		return "", 0, false
	}
	if len(model.Weights[0]) != len(vec) {
		return "", 0, false
	}
	probs := softmaxScores(model, vec)
	best, bestP := 0, probs[0]
	for i, p := range probs {
		if p > bestP {
			best, bestP = i, p
		}
	}
	return AllSectors[best], bestP, true
}

func (c *ClassifierCache) get(tenantID string) *ClassifierModel {
	c.mu.RLock()
	model, ok := c.models[tenantID]
	c.mu.RUnlock()
	if ok {
		return model
	}

	loaded, err := c.store.GetClassifierModel(tenantID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !IsNotFound(err) {
			c.logger.Warn("classifier load failed", zap.String("tenant", tenantID), zap.Error(err))
		}
		c.models[tenantID] = nil // negative cache until next invalidate
		return nil
	}
	c.models[tenantID] = &loaded
	return &loaded
}

// Invalidate drops the cached model for a tenant.
func (c *ClassifierCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.models, tenantID)
	c.mu.Unlock()
}

// Train fits a fresh model from the tenant's stored memories and persists it
// with a bumped version. Returns the sample count used, 0 when there was too
// little data to train.
func (c *ClassifierCache) Train(tenantID string, rng *rand.Rand) (int, error) {
	vecs, labels, err := c.store.TrainingSamples(ScopeFor(tenantID), classifierMaxSamples)
	if err != nil {
		return 0, err
	}
	if len(vecs) < classifierMinSamples {
		return 0, nil
	}

	dim := len(vecs[0])
	model := ClassifierModel{
		TenantID: tenantID,
		Weights:  make([][]float64, len(AllSectors)),
		Biases:   make([]float64, len(AllSectors)),
	}
	for i := range model.Weights {
		model.Weights[i] = make([]float64, dim)
	}

	labelIdx := make(map[Sector]int, len(AllSectors))
	for i, s := range AllSectors {
		labelIdx[s] = i
	}

	order := make([]int, 0, len(vecs))
	for i, v := range vecs {
		if len(v) == dim {
			order = append(order, i)
		}
	}
	for epoch := 0; epoch < classifierEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, idx := range order {
			sgdStep(&model, vecs[idx], labelIdx[labels[idx]])
		}
	}

	if prev, err := c.store.GetClassifierModel(tenantID); err == nil {
		model.Version = prev.Version + 1
	} else {
		model.Version = 1
	}
	if err := c.store.SaveClassifierModel(model); err != nil {
		return 0, err
	}
	c.Invalidate(tenantID)
	c.logger.Debug("classifier trained",
		zap.String("tenant", tenantID),
		zap.Int("samples", len(order)),
		zap.Int("version", model.Version))
	return len(order), nil
}

func sgdStep(m *ClassifierModel, vec []float32, label int) {
	probs := softmaxScores(m, vec)
	for k := range m.Weights {
		grad := probs[k]
		if k == label {
			grad -= 1
		}
		step := classifierLearningRate * grad
		for j, x := range vec {
			m.Weights[k][j] -= step * float64(x)
		}
		m.Biases[k] -= step
	}
}

func softmaxScores(m *ClassifierModel, vec []float32) []float64 {
	logits := make([]float64, len(m.Weights))
	maxLogit := math.Inf(-1)
	for k, row := range m.Weights {
		z := m.Biases[k]
		for j, x := range vec {
			z += row[j] * float64(x)
		}
		logits[k] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
	var sum float64
	for k, z := range logits {
		logits[k] = math.Exp(z - maxLogit)
		sum += logits[k]
	}
	for k := range logits {
		logits[k] /= sum
	}
	return logits
}
