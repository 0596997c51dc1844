package openmemory

import (
	"math"
	"time"
)

// Temporal dynamics: pure functions over salience, recency and the waypoint
// graph. No I/O happens here; callers pass everything in.

// Dual-phase decay constants. The fast phase dominates early forgetting,
// the per-sector slow rate takes over afterwards.
const (
	dualPhaseAlpha  = 0.6
	fastPhaseLambda = 0.5 // per day, λ₁ ≫ λ₂
)

// Retention weights for the composite score.
const (
	scoreCosineWeight   = 0.7
	scoreSalienceWeight = 0.2
	scoreRecencyWeight  = 0.1
	recencyTau          = 7 * 24 * time.Hour
)

// Spreading activation parameters.
const (
	activationGamma  = 0.5  // attenuation per hop
	activationFloor  = 0.05 // edges below this energy terminate
	waypointEdgeTau  = 30 * 24 * time.Hour
	waypointMinWrite = 0.05 // weights below this are never written
	waypointMinKeep  = 0.02 // existing weights below this are pruned weekly
)

// Tier is the recency+activity bucket driving decay rate selection.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Per-tier decay lambdas.
var tierLambda = map[Tier]float64{
	TierHot:  0.005,
	TierWarm: 0.02,
	TierCold: 0.05,
}

// DualPhaseRetained computes s · (α·exp(-λ₁·d) + (1-α)·exp(-λ₂·d)) where
// slowLambda is the per-sector slow rate and d is in days.
func DualPhaseRetained(s, days, slowLambda float64) float64 {
	return s * (dualPhaseAlpha*math.Exp(-fastPhaseLambda*days) +
		(1-dualPhaseAlpha)*math.Exp(-slowLambda*days))
}

// AssignTier buckets a memory by recency and activity.
func AssignTier(lastSeen time.Time, coactivations int64, salience float64, now time.Time) Tier {
	recent := now.Sub(lastSeen) < 6*24*time.Hour
	switch {
	case recent && (coactivations > 5 || salience > 0.7):
		return TierHot
	case recent || salience > 0.4:
		return TierWarm
	default:
		return TierCold
	}
}

// TierLambda returns the decay rate for a tier.
func TierLambda(t Tier) float64 { return tierLambda[t] }

// EffectiveSalience folds coactivation count into raw salience:
// clamp(sal·(1+log1p(coact)), 0, 1).
func EffectiveSalience(salience float64, coactivations int64) float64 {
	return clamp01(salience * (1 + math.Log1p(float64(coactivations))))
}

// DecayStep computes the decay factor and new salience for one memory.
// f = exp(-λ·Δdays/(salEff+0.1)); newSal = clamp(salEff·f). Monotone
// non-increasing in Δt.
func DecayStep(salience float64, coactivations int64, lambda, deltaDays float64) (factor, newSalience float64) {
	salEff := EffectiveSalience(salience, coactivations)
	factor = math.Exp(-lambda * deltaDays / (salEff + 0.1))
	return factor, clamp01(salEff * factor)
}

// Reinforce bumps salience by boost, capped at 1.
func Reinforce(salience, boost float64) float64 {
	return math.Min(1, salience+boost)
}

// RecencyModulator is exp(-(now-lastSeen)/τ) with τ = 7 days.
func RecencyModulator(lastSeen, now time.Time) float64 {
	dt := now.Sub(lastSeen)
	if dt < 0 {
		dt = 0
	}
	return math.Exp(-float64(dt) / float64(recencyTau))
}

// CompositeScore blends cosine similarity, effective salience and recency:
// 0.7·cos + 0.2·salienceMod + 0.1·recencyMod.
func CompositeScore(cosine, salience float64, coactivations int64, lastSeen, now time.Time) float64 {
	return scoreCosineWeight*cosine +
		scoreSalienceWeight*EffectiveSalience(salience, coactivations) +
		scoreRecencyWeight*RecencyModulator(lastSeen, now)
}

// ResonanceMatrix holds cross-sector score multipliers. Diagonal is 1.0,
// off-diagonal entries live in [0.2, 0.9].
type ResonanceMatrix map[Sector]map[Sector]float64

// DefaultResonance returns the stock matrix: strong coupling between sectors
// that feed each other (episodic↔temporal, semantic↔contextual), weak
// everywhere else.
func DefaultResonance() ResonanceMatrix {
	m := make(ResonanceMatrix, len(AllSectors))
	for _, a := range AllSectors {
		row := make(map[Sector]float64, len(AllSectors))
		for _, b := range AllSectors {
			if a == b {
				row[b] = 1.0
			} else {
				row[b] = 0.3
			}
		}
		m[a] = row
	}
	strong := [][2]Sector{
		{SectorEpisodic, SectorTemporal},
		{SectorSemantic, SectorContextual},
		{SectorEmotional, SectorEpisodic},
		{SectorProcedural, SectorSemantic},
		{SectorReflective, SectorSemantic},
		{SectorSensory, SectorEpisodic},
	}
	for _, p := range strong {
		m[p[0]][p[1]] = 0.7
		m[p[1]][p[0]] = 0.7
	}
	return m
}

// Apply merges configured overrides into the matrix, clamping off-diagonal
// entries into [0.2, 0.9].
func (m ResonanceMatrix) Apply(overrides map[Sector]map[Sector]float64) {
	for a, row := range overrides {
		for b, v := range row {
			if _, ok := m[a]; !ok {
				continue
			}
			if a == b {
				m[a][b] = 1.0
				continue
			}
			m[a][b] = math.Min(0.9, math.Max(0.2, v))
		}
	}
}

// Resonate multiplies a score by the cross-sector coefficient, indexed
// query-sector first.
func (m ResonanceMatrix) Resonate(score float64, querySector, memSector Sector) float64 {
	row, ok := m[querySector]
	if !ok {
		return score
	}
	coeff, ok := row[memSector]
	if !ok {
		return score
	}
	return score * coeff
}

// WaypointWeight computes cos(a,b)·exp(-Δt/τ_edge). Returns 0 when the
// result falls under the write floor; callers must not persist zero weights.
func WaypointWeight(cosine float64, age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	w := cosine * math.Exp(-float64(age)/float64(waypointEdgeTau))
	if w < waypointMinWrite {
		return 0
	}
	return w
}

// activationEdge is one adjacency entry fed to SpreadActivation.
type activationEdge struct {
	dst    string
	weight float64
}

// SpreadActivation runs bounded BFS over the waypoint adjacency. seeds maps
// memory id → initial energy; adjacency maps src id → outgoing edges. Each
// hop attenuates energy by edgeWeight·γ; edges dropping below the floor
// terminate. maxIter = 0 returns the seeds unchanged. The returned paths map
// records, for each reached node, the ids traversed from its seed.
func SpreadActivation(seeds map[string]float64, adjacency map[string][]activationEdge, maxIter int) (energy map[string]float64, paths map[string][]string) {
	energy = make(map[string]float64, len(seeds))
	paths = make(map[string][]string, len(seeds))
	for id, e := range seeds {
		energy[id] = e
		paths[id] = []string{id}
	}
	frontier := make([]string, 0, len(seeds))
	for id := range seeds {
		frontier = append(frontier, id)
	}
	for iter := 0; iter < maxIter && len(frontier) > 0; iter++ {
		var next []string
		for _, src := range frontier {
			for _, edge := range adjacency[src] {
				propagated := energy[src] * edge.weight * activationGamma
				if propagated < activationFloor {
					continue
				}
				if propagated > energy[edge.dst] {
					energy[edge.dst] = propagated
					paths[edge.dst] = append(append([]string{}, paths[src]...), edge.dst)
					next = append(next, edge.dst)
				}
			}
		}
		frontier = next
	}
	return energy, paths
}

// DaysBetween computes fractional days from a to b.
func DaysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24.0
}

// CosineSimilarity computes the cosine similarity between two float32
// vectors. Returns 0 if either vector is zero-length or zero-norm.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
