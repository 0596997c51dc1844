package openmemory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Writer is the single mutation path into the memory graph. It owns the
// ordering guarantees: encrypt, route, embed, persist row, persist vectors,
// open waypoints, then emit events. Vector failures roll the row back so the
// table and vector stores never disagree about which memories exist.

// DefaultSalience is assigned when the caller does not set one.
const DefaultSalience = 0.5

// DefaultReinforceBoost is the salience bump for an explicit reinforcement.
const DefaultReinforceBoost = 0.1

// idLocks serializes concurrent mutations of the same memory id.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *idLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Writer mutates memories, vectors and waypoints.
type Writer struct {
	store   *Store
	vectors *VectorStore
	crypto  *CryptoBox
	encoder Encoder
	router  *SectorRouter
	bus     *Bus
	logger  *zap.Logger
	clock   func() time.Time

	segments     int
	waypointTopK int
	maxPerUser   int

	locks *idLocks

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewWriter wires the write path.
func NewWriter(store *Store, vectors *VectorStore, crypto *CryptoBox, encoder Encoder,
	router *SectorRouter, bus *Bus, cfg *Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:        store,
		vectors:      vectors,
		crypto:       crypto,
		encoder:      encoder,
		router:       router,
		bus:          bus,
		logger:       logger,
		clock:        cfg.Clock,
		segments:     cfg.CacheSegments,
		waypointTopK: cfg.WaypointTopK,
		maxPerUser:   cfg.MaxMemoriesPerUser,
		locks:        newIDLocks(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *Writer) randSegment() int {
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return w.rng.Intn(w.segments)
}

// AddRequest carries one new memory.
type AddRequest struct {
	Content  string
	Sector   Sector // optional override; empty = route automatically
	Tags     []string
	Metadata MemoryMetadata
	Salience float64 // 0 = DefaultSalience
}

// writeScope resolves the caller's tenant for a mutation. Writes always land
// in exactly one bucket; the cross-tenant selector is a read-side concept.
func writeScope(sc SecurityContext) (TenantScope, error) {
	scope := sc.Scope()
	if scope.All {
		return TenantScope{}, Errf(CodeInvalid, "writes require a single tenant scope")
	}
	return scope, nil
}

// Add routes, embeds and persists one memory, returning the stored record
// with plaintext content.
func (w *Writer) Add(ctx context.Context, sc SecurityContext, req AddRequest) (Memory, error) {
	if req.Content == "" {
		return Memory{}, Errf(CodeInvalid, "empty content")
	}
	scope, err := writeScope(sc)
	if err != nil {
		return Memory{}, err
	}

	routing, err := w.route(ctx, req, scope.Tenant)
	if err != nil {
		return Memory{}, err
	}

	// Embed primary + secondaries; the mean vector feeds the classifier and
	// cold compression later.
	sectors := append([]Sector{routing.Primary}, routing.Secondaries...)
	vecs := make(map[Sector][]float32, len(sectors))
	for _, sector := range sectors {
		vec, err := w.encoder.Embed(ctx, req.Content, sector)
		if err != nil {
			return Memory{}, WrapErr(CodeUnavailable, "embed", err)
		}
		vecs[sector] = vec
	}

	now := w.clock()
	salience := req.Salience
	if salience == 0 {
		salience = DefaultSalience
	}

	mem := Memory{
		ID:            uuid.NewString(),
		TenantID:      scope.Tenant,
		Content:       req.Content,
		PrimarySector: routing.Primary,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
		Segment:       w.randSegment(),
		SimHash:       SimHash64(req.Content),
		CreatedAt:     now,
		UpdatedAt:     now,
		LastSeenAt:    now,
		Salience:      clamp01(salience),
		DecayLambda:   SectorDecayLambda[routing.Primary],
		Version:       1,
		MeanVec:       meanVector(vecs),
	}

	encrypted, err := w.crypto.Encrypt(mem.Content)
	if err != nil {
		return Memory{}, WrapErr(CodeInternal, "encrypt", err)
	}
	if err := w.store.InsertMemory(MemoryRow{Memory: mem, Encrypted: encrypted}); err != nil {
		return Memory{}, WrapErr(CodeInternal, "insert memory", err)
	}

	for sector, vec := range vecs {
		if err := w.vectors.Store(mem.ID, string(sector), mem.TenantID, vec); err != nil {
			// Compensating delete keeps both stores consistent.
			if derr := w.store.DeleteMemory(mem.ID, scope); derr != nil {
				w.logger.Error("compensating delete failed",
					zap.String("id", mem.ID), zap.Error(derr))
			}
			return Memory{}, WrapErr(CodeInternal, "store vector", err)
		}
	}

	w.openWaypoints(mem, vecs[routing.Primary], scope, now)

	if w.maxPerUser > 0 {
		evicted, err := w.store.EnforceMemoryLimit(scope, w.maxPerUser)
		if err != nil {
			w.logger.Warn("memory limit enforcement failed", zap.Error(err))
		}
		for _, id := range evicted {
			w.bus.Emit(Event{Kind: EventMemoryDeleted, ID: id, TenantID: scope.Tenant, At: now})
		}
	}

	w.bus.Emit(Event{
		Kind: EventMemoryAdded, ID: mem.ID, TenantID: mem.TenantID,
		Sector: mem.PrimarySector, At: now,
	})
	w.logger.Debug("memory added",
		zap.String("id", mem.ID),
		zap.String("sector", string(mem.PrimarySector)),
		zap.String("routing", routing.Source))
	return mem, nil
}

func (w *Writer) route(ctx context.Context, req AddRequest, tenant *string) (Routing, error) {
	if req.Sector != "" {
		return w.router.RouteOverride(req.Sector)
	}
	// A provisional semantic embedding feeds the classifier before the real
	// per-sector embeddings exist.
	var provisional []float32
	if tenant != nil {
		if vec, err := w.encoder.Embed(ctx, req.Content, SectorSemantic); err == nil {
			provisional = vec
		}
	}
	return w.router.Route(req.Content, provisional, tenant), nil
}

// openWaypoints links the new memory to its nearest same-sector neighbors.
func (w *Writer) openWaypoints(mem Memory, primaryVec []float32, scope TenantScope, now time.Time) {
	neighbors, err := w.vectors.KNN(primaryVec, string(mem.PrimarySector), scope, w.waypointTopK+1)
	if err != nil {
		w.logger.Warn("waypoint knn failed", zap.String("id", mem.ID), zap.Error(err))
		return
	}
	linked := 0
	for _, n := range neighbors {
		if n.MemID == mem.ID || linked == w.waypointTopK {
			continue
		}
		weight := WaypointWeight(n.Score, 0)
		if weight == 0 {
			continue
		}
		wp := Waypoint{
			SrcID: mem.ID, DstID: n.MemID, TenantID: mem.TenantID,
			Weight: weight, CreatedAt: now, LastTraversedAt: now,
		}
		if err := w.store.UpsertWaypoint(wp); err != nil {
			w.logger.Warn("waypoint write failed", zap.Error(err))
			continue
		}
		// Edges are bidirectional in effect: store the reverse too.
		wp.SrcID, wp.DstID = wp.DstID, wp.SrcID
		if err := w.store.UpsertWaypoint(wp); err != nil {
			w.logger.Warn("waypoint write failed", zap.Error(err))
		}
		linked++
	}
}

func meanVector(vecs map[Sector][]float32) []float32 {
	var dim int
	for _, v := range vecs {
		dim = len(v)
		break
	}
	if dim == 0 {
		return nil
	}
	acc := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i, x := range acc {
		out[i] = float32(x / float64(n))
	}
	return out
}

// UpdateRequest carries a partial memory mutation. Nil fields are untouched.
type UpdateRequest struct {
	Content  *string
	Sector   *Sector
	Tags     []string
	Metadata *MemoryMetadata
	Salience *float64
}

// Update applies a partial mutation under optimistic concurrency. Content
// changes re-embed every affected sector; metadata-only updates do not.
func (w *Writer) Update(ctx context.Context, sc SecurityContext, id string, req UpdateRequest) (Memory, error) {
	scope, err := writeScope(sc)
	if err != nil {
		return Memory{}, err
	}
	unlock := w.locks.lock(id)
	defer unlock()

	row, err := w.store.GetMemory(id, scope)
	if err != nil {
		return Memory{}, err
	}
	plain, ok := w.crypto.DecryptOrPlaceholder(row.Encrypted)
	if !ok {
		w.logger.Warn("undecryptable content on update", zap.String("id", id))
	}
	row.Content = plain

	now := w.clock()
	contentChanged := req.Content != nil && *req.Content != row.Content
	if contentChanged {
		row.Content = *req.Content
		row.SimHash = SimHash64(row.Content)
	}
	if req.Sector != nil {
		if !ValidSector(*req.Sector) {
			return Memory{}, Errf(CodeInvalid, "unknown sector %q", *req.Sector)
		}
		if *req.Sector != row.PrimarySector {
			row.PrimarySector = *req.Sector
			row.DecayLambda = SectorDecayLambda[row.PrimarySector]
			contentChanged = true // primary changed: re-embed under the new sector
		}
	}
	if req.Tags != nil {
		row.Tags = req.Tags
	}
	if req.Metadata != nil {
		row.Metadata = *req.Metadata
	}
	if req.Salience != nil {
		row.Salience = clamp01(*req.Salience)
	}

	if contentChanged {
		vec, err := w.encoder.Embed(ctx, row.Content, row.PrimarySector)
		if err != nil {
			return Memory{}, WrapErr(CodeUnavailable, "embed", err)
		}
		if err := w.vectors.Store(row.ID, string(row.PrimarySector), row.TenantID, vec); err != nil {
			return Memory{}, WrapErr(CodeInternal, "store vector", err)
		}
		row.MeanVec = vec
		if enc, err := w.crypto.Encrypt(row.Content); err == nil {
			row.Encrypted = enc
		} else {
			return Memory{}, WrapErr(CodeInternal, "encrypt", err)
		}
	}

	expect := row.Version
	row.UpdatedAt = now
	row.Version = expect + 1
	if err := w.store.UpdateMemoryCAS(row, expect); err != nil {
		return Memory{}, err
	}

	w.bus.Emit(Event{
		Kind: EventMemoryUpdated, ID: row.ID, TenantID: row.TenantID,
		Sector: row.PrimarySector, At: now,
	})
	return row.Memory, nil
}

// ReinforceMemory bumps salience and recency for one memory. boost <= 0 uses
// the default.
func (w *Writer) ReinforceMemory(sc SecurityContext, id string, boost float64) error {
	scope := sc.Scope() // targets an existing row; cross-tenant admins allowed
	if boost <= 0 {
		boost = DefaultReinforceBoost
	}
	now := w.clock()
	if err := w.store.Reinforce(id, scope, boost, false, now); err != nil {
		return err
	}
	w.bus.Emit(Event{Kind: EventMemoryUpdated, ID: id, TenantID: scope.Tenant, At: now})
	return nil
}

// Delete removes a memory and everything referencing it.
func (w *Writer) Delete(sc SecurityContext, id string) error {
	scope := sc.Scope()
	unlock := w.locks.lock(id)
	defer unlock()

	row, err := w.store.GetMemory(id, scope)
	if err != nil {
		return err
	}
	if err := w.store.DeleteMemory(id, scope); err != nil {
		return err
	}
	w.bus.Emit(Event{
		Kind: EventMemoryDeleted, ID: id, TenantID: row.TenantID,
		Sector: row.PrimarySector, At: w.clock(),
	})
	return nil
}

// DeleteAll wipes every memory in the caller's scope and returns the count.
// Admins may pass an explicit scope (including AllTenants) via explicit.
func (w *Writer) DeleteAll(sc SecurityContext, explicit *TenantScope) (int, error) {
	scope, err := sc.Resolve(explicit)
	if err != nil {
		return 0, err
	}
	if scope.All && !sc.IsAdmin {
		return 0, Errf(CodeForbidden, "cross-tenant wipe requires admin")
	}
	n, err := w.store.DeleteAllMemories(scope)
	if err != nil {
		return 0, err
	}
	actor := scope.Key()
	if sc.IsAdmin {
		actor = "admin"
	}
	if err := w.store.InsertAudit(scope.Tenant, actor, "delete_all",
		fmt.Sprintf("%d memories", n)); err != nil {
		w.logger.Warn("audit write failed", zap.Error(err))
	}
	w.logger.Info("memories wiped", zap.Int("count", n), zap.String("tenant", scope.Key()))
	return n, nil
}
