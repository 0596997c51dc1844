package openmemory

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DecayWorker walks a random window of each segment on every run, decaying
// salience, compressing fading vectors and fingerprinting cold ones. It
// yields to live queries: a run is skipped while searches are in flight or
// shortly after one finished.

const (
	decayQueryCooldown = 60 * time.Second
	compressThreshold  = 0.7 // decay factor under which the vector shrinks
	summaryTruncateLen = 200
	summaryMinLen      = 80
	fingerprintTopK    = 3
)

// DecayWorker owns one maintenance pass over the memory population.
type DecayWorker struct {
	store   *Store
	vectors *VectorStore
	crypto  *CryptoBox
	gate    *QueryGate
	logger  *zap.Logger
	clock   func() time.Time

	segments      int
	ratio         float64
	coldThreshold float64
	sleep         time.Duration
	threads       int
	summaryLayers int
	minDim        int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDecayWorker wires the worker from config.
func NewDecayWorker(store *Store, vectors *VectorStore, crypto *CryptoBox,
	gate *QueryGate, cfg *Config, logger *zap.Logger) *DecayWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecayWorker{
		store:         store,
		vectors:       vectors,
		crypto:        crypto,
		gate:          gate,
		logger:        logger,
		clock:         cfg.Clock,
		segments:      cfg.CacheSegments,
		ratio:         cfg.DecayRatio,
		coldThreshold: cfg.DecayColdThreshold,
		sleep:         time.Duration(cfg.DecaySleepMs) * time.Millisecond,
		threads:       cfg.DecayThreads,
		summaryLayers: cfg.SummaryLayers,
		minDim:        cfg.MinVectorDim,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes one decay pass. Returns nil without work when queries are
// active.
func (d *DecayWorker) Run(ctx context.Context) error {
	now := d.clock()
	if d.gate != nil && d.gate.Busy(now, decayQueryCooldown) {
		d.logger.Debug("decay deferred to active queries")
		return nil
	}

	segments := make(chan int, d.segments)
	for seg := 0; seg < d.segments; seg++ {
		segments <- seg
	}
	close(segments)

	var wg sync.WaitGroup
	var tally decayTally
	var firstErr error
	var errOnce sync.Once

	workers := d.threads
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range segments {
				if ctx.Err() != nil {
					return
				}
				if err := d.decaySegment(ctx, seg, now, &tally); err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				time.Sleep(d.sleep)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	processed := int(tally.processed.Load())
	if err := d.store.InsertStatDetail("decay", processed, map[string]any{
		"processed":     processed,
		"decayed":       tally.decayed.Load(),
		"compressed":    tally.compressed.Load(),
		"fingerprinted": tally.fingerprinted.Load(),
		"tiers": map[string]any{
			"hot":  tally.hot.Load(),
			"warm": tally.warm.Load(),
			"cold": tally.cold.Load(),
		},
	}); err != nil {
		d.logger.Warn("decay stat write failed", zap.Error(err))
	}
	d.logger.Debug("decay pass finished",
		zap.Int("processed", processed),
		zap.Int64("decayed", tally.decayed.Load()),
		zap.Int64("compressed", tally.compressed.Load()),
		zap.Int64("fingerprinted", tally.fingerprinted.Load()))
	return nil
}

// decayTally accumulates per-run counters across segment workers.
type decayTally struct {
	processed     atomic.Int64
	decayed       atomic.Int64
	compressed    atomic.Int64
	fingerprinted atomic.Int64
	hot           atomic.Int64
	warm          atomic.Int64
	cold          atomic.Int64
}

func (t *decayTally) countTier(tier Tier) {
	switch tier {
	case TierHot:
		t.hot.Add(1)
	case TierWarm:
		t.warm.Add(1)
	case TierCold:
		t.cold.Add(1)
	}
}

// decaySegment processes one randomized window of a segment.
func (d *DecayWorker) decaySegment(ctx context.Context, segment int, now time.Time, tally *decayTally) error {
	count, err := d.store.CountSegment(segment)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	window := int(math.Ceil(float64(count) * d.ratio))
	if window < 1 {
		window = 1
	}
	offset := 0
	if count > window {
		d.rngMu.Lock()
		offset = d.rng.Intn(count - window + 1)
		d.rngMu.Unlock()
	}

	rows, err := d.store.SampleSegment(segment, offset, window)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.decayOne(row, now, tally); err != nil {
			d.logger.Warn("decay step failed", zap.String("id", row.ID), zap.Error(err))
		}
		tally.processed.Add(1)
		runtime.Gosched()
	}
	return nil
}

func (d *DecayWorker) decayOne(row MemoryRow, now time.Time, tally *decayTally) error {
	tier := AssignTier(row.LastSeenAt, row.Coactivations, row.Salience, now)
	tally.countTier(tier)
	lambda := TierLambda(tier)
	days := DaysBetween(row.LastSeenAt, now)
	if days <= 0 {
		return nil
	}
	factor, newSalience := DecayStep(row.Salience, row.Coactivations, lambda, days)

	if factor < compressThreshold {
		kind, err := d.compress(&row, factor)
		if err != nil {
			return err
		}
		switch kind {
		case compressPooled:
			tally.compressed.Add(1)
		case compressFingerprint:
			tally.fingerprinted.Add(1)
		}
	}
	d.refreshSummary(&row, factor)

	expect := row.Version
	row.Salience = newSalience
	row.UpdatedAt = now
	row.Version = expect + 1
	err := d.store.UpdateMemoryCAS(row, expect)
	if IsConflict(err) {
		// A live write won the race; the next pass picks this memory up again.
		return nil
	}
	if err == nil {
		tally.decayed.Add(1)
	}
	return err
}

const (
	compressNone = iota
	compressPooled
	compressFingerprint
)

// compress shrinks the live vector by mean pooling. Under the cold threshold
// the memory drops to a 32-dim fingerprint of its keyword signature.
func (d *DecayWorker) compress(row *MemoryRow, factor float64) (int, error) {
	scope := TenantScope{Tenant: row.TenantID}
	live, err := d.vectors.Get(row.ID, string(row.PrimarySector), scope)
	if err != nil {
		if IsNotFound(err) {
			return compressNone, nil // already compressed
		}
		return compressNone, err
	}

	coldFloor := math.Max(0.3, d.coldThreshold)
	kind := compressPooled
	var compressed []float32
	if factor < coldFloor {
		content, ok := d.crypto.DecryptOrPlaceholder(row.Encrypted)
		if !ok {
			content = row.GeneratedSummary
		}
		compressed = FallbackVector(strings.Join(TopKeywords(content, fingerprintTopK), " "))
		kind = compressFingerprint
	} else {
		compressed = PoolVector(live.Vector, factor, d.minDim)
	}
	if len(compressed) >= len(live.Vector) {
		return compressNone, nil
	}

	if err := d.vectors.Store(row.ID, string(row.PrimarySector)+ColdSuffix, row.TenantID, compressed); err != nil {
		return compressNone, err
	}
	if err := d.vectors.Delete(row.ID, string(row.PrimarySector), scope); err != nil {
		return compressNone, err
	}
	row.CompressedVec = compressed
	return kind, nil
}

// refreshSummary maintains the stored summary as the memory fades: light
// decay keeps a prefix, medium gets an extractive digest, cold keeps only
// keywords.
func (d *DecayWorker) refreshSummary(row *MemoryRow, factor float64) {
	content, ok := d.crypto.DecryptOrPlaceholder(row.Encrypted)
	if !ok {
		return
	}
	var summary string
	switch {
	case factor > 0.8:
		summary = truncateAtWord(content, summaryTruncateLen)
	case factor > 0.4:
		summary = ExtractiveSummary(content, d.summaryLayers, summaryTruncateLen)
		if len(summary) < summaryMinLen && len(content) > summaryMinLen {
			summary = truncateAtWord(content, summaryMinLen)
		}
	default:
		summary = strings.Join(TopKeywords(content, fingerprintTopK), " ")
	}
	if summary != "" && summary != row.GeneratedSummary {
		row.GeneratedSummary = summary
	}
}

// PoolVector mean-pools vec down to ceil(dim·factor) entries (never below
// minDim) and renormalizes.
func PoolVector(vec []float32, factor float64, minDim int) []float32 {
	dim := len(vec)
	if dim == 0 {
		return nil
	}
	newDim := int(math.Ceil(float64(dim) * factor))
	if newDim < minDim {
		newDim = minDim
	}
	if newDim >= dim {
		return vec
	}
	bucket := int(math.Ceil(float64(dim) / float64(newDim)))

	acc := make([]float64, 0, newDim)
	for start := 0; start < dim; start += bucket {
		end := start + bucket
		if end > dim {
			end = dim
		}
		var sum float64
		for _, v := range vec[start:end] {
			sum += float64(v)
		}
		acc = append(acc, sum/float64(end-start))
	}
	return normalize(acc)
}

// PruneStaleWaypoints is the weekly graph hygiene pass: decay every edge
// toward its 30-day horizon and drop those under the keep floor.
func (d *DecayWorker) PruneStaleWaypoints(interval time.Duration) (int, error) {
	factor := math.Exp(-float64(interval) / float64(waypointEdgeTau))
	if err := d.store.DecayWaypointWeights(factor); err != nil {
		return 0, err
	}
	pruned, err := d.store.PruneWaypoints(waypointMinKeep)
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		d.logger.Debug("waypoints pruned", zap.Int("count", pruned))
	}
	return pruned, nil
}
