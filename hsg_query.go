package openmemory

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Retrieval pipeline: embed the query per target sector, kNN each sector
// slice, blend cosine with salience and recency, apply cross-sector
// resonance, then optionally spread activation over the waypoint graph.

// DefaultSearchK is used when the caller does not set a result count.
const DefaultSearchK = 10

// activationMaxHops bounds spreading activation; with γ=0.5 energy is
// negligible past two hops anyway.
const activationMaxHops = 2

// QueryGate tracks in-flight searches. Maintenance defers to it so decay
// never competes with live retrieval.
type QueryGate struct {
	active   atomic.Int64
	lastDone atomic.Int64 // unix ms of the last finished search
	max      int64
}

// NewQueryGate builds a gate admitting at most max concurrent searches.
func NewQueryGate(max int) *QueryGate {
	return &QueryGate{max: int64(max)}
}

// Enter admits one search or fails with a retryable unavailable error.
func (g *QueryGate) Enter() (func(time.Time), error) {
	if g.active.Add(1) > g.max {
		g.active.Add(-1)
		return nil, Errf(CodeUnavailable, "query capacity exhausted").WithRetryable()
	}
	return func(now time.Time) {
		g.lastDone.Store(now.UnixMilli())
		g.active.Add(-1)
	}, nil
}

// Busy reports whether searches are running now or finished within cooldown.
func (g *QueryGate) Busy(now time.Time, cooldown time.Duration) bool {
	if g.active.Load() > 0 {
		return true
	}
	last := g.lastDone.Load()
	return last > 0 && now.Sub(time.UnixMilli(last)) < cooldown
}

// SearchRequest is one retrieval call.
type SearchRequest struct {
	Query    string
	K        int
	Filter   SearchFilter
	Activate bool // spread activation over waypoints for this query
}

// QueryEngine serves reads over the memory graph.
type QueryEngine struct {
	store     *Store
	vectors   *VectorStore
	crypto    *CryptoBox
	encoder   Encoder
	resonance ResonanceMatrix
	gate      *QueryGate
	logger    *zap.Logger
	clock     func() time.Time

	reinforceOnQuery bool
	regeneration     bool
	vecDim           int
}

// NewQueryEngine wires the read path.
func NewQueryEngine(store *Store, vectors *VectorStore, crypto *CryptoBox, encoder Encoder,
	resonance ResonanceMatrix, gate *QueryGate, cfg *Config, logger *zap.Logger) *QueryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryEngine{
		store:            store,
		vectors:          vectors,
		crypto:           crypto,
		encoder:          encoder,
		resonance:        resonance,
		gate:             gate,
		logger:           logger,
		clock:            cfg.Clock,
		reinforceOnQuery: *cfg.ReinforceOnQuery,
		regeneration:     *cfg.RegenerationEnabled,
		vecDim:           cfg.VecDim,
	}
}

// Search runs the hybrid retrieval pipeline. Results are sorted by score
// descending with deterministic tie-breaks.
func (q *QueryEngine) Search(ctx context.Context, sc SecurityContext, req SearchRequest) ([]SearchMatch, error) {
	if req.Query == "" {
		return nil, Errf(CodeInvalid, "empty query")
	}
	scope, err := sc.Resolve(req.Filter.Tenant)
	if err != nil {
		return nil, err
	}
	if req.Filter.StartTime != nil && req.Filter.EndTime != nil &&
		req.Filter.EndTime.Before(*req.Filter.StartTime) {
		return nil, nil
	}

	done, err := q.gate.Enter()
	if err != nil {
		return nil, err
	}
	now := q.clock()
	defer func() { done(q.clock()) }()

	k := req.K
	if k <= 0 {
		k = DefaultSearchK
	}
	sectors := req.Filter.Sectors
	if len(sectors) == 0 {
		sectors = AllSectors
	}

	rows := make(map[string]MemoryRow)
	scores := make(map[string]float64)
	embedFailed := true
	fetchN := int(math.Ceil(float64(k) * 2))

	for _, sector := range sectors {
		qvec, err := q.encoder.Embed(ctx, req.Query, sector)
		if err != nil {
			continue
		}
		embedFailed = false
		neighbors, err := q.vectors.KNN(qvec, string(sector), scope, fetchN)
		if err != nil {
			return nil, WrapErr(CodeInternal, "knn", err)
		}
		if err := q.scoreNeighbors(neighbors, sector, scope, now, rows, scores); err != nil {
			return nil, err
		}
	}

	if embedFailed {
		q.logger.Warn("encoder unavailable, falling back to keyword match")
		return q.keywordSearch(req.Query, scope, k, req.Filter, now)
	}

	var paths map[string][]string
	if req.Activate {
		paths, err = q.activate(scope, now, rows, scores)
		if err != nil {
			q.logger.Warn("activation failed", zap.Error(err))
		}
	}

	matches := q.assemble(rows, scores, paths, req.Filter, now)
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}

	go q.onQueryHits(matches, scope)
	return matches, nil
}

func (q *QueryEngine) scoreNeighbors(neighbors []Neighbor, sector Sector, scope TenantScope,
	now time.Time, rows map[string]MemoryRow, scores map[string]float64) error {
	missing := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if _, ok := rows[n.MemID]; !ok {
			missing = append(missing, n.MemID)
		}
	}
	fetched, err := q.store.GetMemoriesByIDs(missing, scope)
	if err != nil {
		return WrapErr(CodeInternal, "load rows", err)
	}
	for id, r := range fetched {
		rows[id] = r
	}
	for _, n := range neighbors {
		row, ok := rows[n.MemID]
		if !ok {
			continue
		}
		// Resonance scales the full composite, not just the cosine, so a
		// cross-sector hit cannot outrank an in-sector one on salience alone.
		composite := CompositeScore(n.Score, row.Salience, row.Coactivations, row.LastSeenAt, now)
		score := q.resonance.Resonate(composite, sector, row.PrimarySector)
		if score > scores[n.MemID] {
			scores[n.MemID] = score
		}
	}
	return nil
}

// activate spreads the current result energy over the waypoint graph, pulling
// in associated memories the vector pass missed.
func (q *QueryEngine) activate(scope TenantScope, now time.Time,
	rows map[string]MemoryRow, scores map[string]float64) (map[string][]string, error) {
	if len(scores) == 0 {
		return nil, nil
	}
	seedIDs := make([]string, 0, len(scores))
	for id := range scores {
		seedIDs = append(seedIDs, id)
	}
	edges, err := q.store.WaypointsFrom(seedIDs, scope)
	if err != nil {
		return nil, err
	}
	adjacency := make(map[string][]activationEdge)
	for _, e := range edges {
		adjacency[e.SrcID] = append(adjacency[e.SrcID], activationEdge{dst: e.DstID, weight: e.Weight})
	}

	energy, paths := SpreadActivation(scores, adjacency, activationMaxHops)

	var traversed [][2]string
	newIDs := make([]string, 0)
	for id, e := range energy {
		if _, seeded := scores[id]; seeded {
			continue
		}
		newIDs = append(newIDs, id)
		scores[id] = e
		p := paths[id]
		for i := 1; i < len(p); i++ {
			traversed = append(traversed, [2]string{p[i-1], p[i]})
		}
	}
	if len(newIDs) > 0 {
		fetched, err := q.store.GetMemoriesByIDs(newIDs, scope)
		if err != nil {
			return paths, err
		}
		for id, r := range fetched {
			rows[id] = r
		}
	}
	if len(traversed) > 0 {
		if err := q.store.TouchWaypoints(traversed, now); err != nil {
			q.logger.Warn("waypoint touch failed", zap.Error(err))
		}
	}
	return paths, nil
}

func (q *QueryEngine) assemble(rows map[string]MemoryRow, scores map[string]float64,
	paths map[string][]string, filter SearchFilter, now time.Time) []SearchMatch {
	matches := make([]SearchMatch, 0, len(scores))
	for id, score := range scores {
		row, ok := rows[id]
		if !ok {
			continue
		}
		if row.Salience < filter.MinSalience {
			continue
		}
		if filter.StartTime != nil && row.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && row.CreatedAt.After(*filter.EndTime) {
			continue
		}
		content, ok := q.crypto.DecryptOrPlaceholder(row.Encrypted)
		if !ok {
			q.logger.Warn("undecryptable content", zap.String("id", id))
		}
		m := SearchMatch{
			ID:               id,
			Content:          content,
			Score:            score,
			Sectors:          []Sector{row.PrimarySector},
			PrimarySector:    row.PrimarySector,
			Salience:         row.Salience,
			LastSeenAt:       row.LastSeenAt,
			UpdatedAt:        row.UpdatedAt,
			DecayLambda:      row.DecayLambda,
			Version:          row.Version,
			Segment:          row.Segment,
			SimHash:          row.SimHash,
			GeneratedSummary: row.GeneratedSummary,
		}
		if p, ok := paths[id]; ok && len(p) > 1 {
			m.Path = p
		}
		matches = append(matches, m)
	}
	return matches
}

func sortMatches(matches []SearchMatch) {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Salience != b.Salience {
			return a.Salience > b.Salience
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.ID < b.ID
	})
}

// keywordSearch is the degraded path when no embedding is available: Jaccard
// over canonical token sets against recent memories.
func (q *QueryEngine) keywordSearch(query string, scope TenantScope, k int,
	filter SearchFilter, now time.Time) ([]SearchMatch, error) {
	recent, err := q.store.ListRecent(scope, k*20, filter.Sectors)
	if err != nil {
		return nil, WrapErr(CodeInternal, "list recent", err)
	}
	queryDoc := SearchDoc(query)

	var matches []SearchMatch
	for _, row := range recent {
		if row.Salience < filter.MinSalience {
			continue
		}
		if filter.StartTime != nil && row.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && row.CreatedAt.After(*filter.EndTime) {
			continue
		}
		content, _ := q.crypto.DecryptOrPlaceholder(row.Encrypted)
		sim := Jaccard(queryDoc, SearchDoc(content))
		if sim == 0 {
			continue
		}
		// The degraded path reports raw lexical overlap, not a composite.
		matches = append(matches, SearchMatch{
			ID:            row.ID,
			Content:       content,
			Score:         sim,
			Sectors:       []Sector{row.PrimarySector},
			PrimarySector: row.PrimarySector,
			Salience:      row.Salience,
			LastSeenAt:    row.LastSeenAt,
			UpdatedAt:     row.UpdatedAt,
			DecayLambda:   row.DecayLambda,
			Version:       row.Version,
			Segment:       row.Segment,
			SimHash:       row.SimHash,
		})
	}
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// onQueryHits runs after results are returned: reinforcement and cold-vector
// regeneration, both best effort.
func (q *QueryEngine) onQueryHits(matches []SearchMatch, scope TenantScope) {
	now := q.clock()
	for _, m := range matches {
		if q.reinforceOnQuery {
			if err := q.store.Reinforce(m.ID, scope, DefaultReinforceBoost, true, now); err != nil {
				q.logger.Debug("query reinforcement failed", zap.String("id", m.ID), zap.Error(err))
			}
		}
		if q.regeneration {
			q.maybeRegenerate(m, scope)
		}
	}
}

// maybeRegenerate promotes a compressed memory back to a full-dimension live
// vector when it keeps getting retrieved.
func (q *QueryEngine) maybeRegenerate(m SearchMatch, scope TenantScope) {
	row, err := q.store.GetMemory(m.ID, scope)
	if err != nil || len(row.CompressedVec) == 0 {
		return
	}
	content, ok := q.crypto.DecryptOrPlaceholder(row.Encrypted)
	if !ok {
		return
	}
	vec, err := q.encoder.Embed(context.Background(), content, row.PrimarySector)
	if err != nil {
		q.logger.Debug("regeneration embed failed", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if err := q.vectors.Store(row.ID, string(row.PrimarySector), row.TenantID, vec); err != nil {
		return
	}
	q.vectors.Delete(row.ID, string(row.PrimarySector)+ColdSuffix, scope)

	row.CompressedVec = nil
	row.MeanVec = vec
	row.UpdatedAt = q.clock()
	expect := row.Version
	row.Version = expect + 1
	if err := q.store.UpdateMemoryCAS(row, expect); err != nil && !IsConflict(err) {
		q.logger.Debug("regeneration update failed", zap.String("id", m.ID), zap.Error(err))
	}
	q.logger.Debug("memory regenerated", zap.String("id", m.ID))
}

// Get loads one memory with decrypted content.
func (q *QueryEngine) Get(sc SecurityContext, id string) (Memory, error) {
	row, err := q.store.GetMemory(id, sc.Scope())
	if err != nil {
		return Memory{}, err
	}
	content, ok := q.crypto.DecryptOrPlaceholder(row.Encrypted)
	if !ok {
		q.logger.Warn("undecryptable content", zap.String("id", id))
	}
	row.Content = content
	return row.Memory, nil
}
