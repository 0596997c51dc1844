package openmemory

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Engine is the public facade: one Init wires storage, crypto, encoding,
// routing, the read/write paths and the maintenance scheduler.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	store   *Store
	vectors *VectorStore
	crypto  *CryptoBox
	encoder Encoder
	bus     *Bus

	classifiers *ClassifierCache
	writer      *Writer
	query       *QueryEngine
	gate        *QueryGate
	scheduler   *Scheduler

	decay   *DecayWorker
	reflect *ReflectWorker
	summary *SummaryWorker
}

// failure streak at which a task starts leaving error rows in the stats log.
const errorStreakThreshold = 3

// Init builds a ready engine. The caller owns Close.
func Init(cfg Config) (*Engine, error) {
	cfg.ApplyDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger(cfg.Verbose)
	}

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store.clock = cfg.Clock

	crypto, err := NewCryptoBox(cfg.EncryptionKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	encoder := NewEncoderFromConfig(&cfg, logger)
	CheckEncoderCompatibility(encoder, &cfg, logger)

	resonance := DefaultResonance()
	resonance.Apply(cfg.Resonance)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		vectors:     store.Vectors(),
		crypto:      crypto,
		encoder:     encoder,
		bus:         NewBus(),
		classifiers: NewClassifierCache(store, logger),
		gate:        NewQueryGate(cfg.MaxActive),
	}
	router := NewSectorRouter(e.classifiers)
	e.writer = NewWriter(store, e.vectors, crypto, encoder, router, e.bus, &cfg, logger)
	e.query = NewQueryEngine(store, e.vectors, crypto, encoder, resonance, e.gate, &cfg, logger)

	generator := NewGeneratorFromConfig(cfg)
	e.decay = NewDecayWorker(store, e.vectors, crypto, e.gate, &cfg, logger)
	e.reflect = NewReflectWorker(store, crypto, e.writer, generator, &cfg, logger)
	e.summary = NewSummaryWorker(store, crypto, generator, logger)

	e.scheduler = NewScheduler(logger, cfg.Clock, e.onTaskError)
	e.registerTasks()

	logger.Info("engine initialized",
		zap.String("tier", cfg.Tier),
		zap.Int("vecDim", cfg.VecDim),
		zap.String("encoder", encoder.Info().Provider))
	return e, nil
}

func (e *Engine) registerTasks() {
	cfg := e.cfg
	e.scheduler.Register("decay", cfg.DecayInterval(), cfg.DecayInterval(),
		e.decay.Run)
	if *cfg.AutoReflect {
		e.scheduler.Register("reflect", cfg.ReflectInterval(), cfg.ReflectInterval(),
			e.reflect.Run)
	}
	e.scheduler.Register("user_summary",
		time.Duration(cfg.UserSummaryIntervalMinutes)*time.Minute,
		10*time.Minute, e.summary.Run)
	e.scheduler.Register("classifier_train",
		time.Duration(cfg.ClassifierTrainIntervalMinutes)*time.Minute,
		10*time.Minute, e.trainClassifiers)

	weekly := 7 * 24 * time.Hour
	e.scheduler.Register("waypoint_prune", weekly, time.Hour, func(ctx context.Context) error {
		n, err := e.decay.PruneStaleWaypoints(weekly)
		if err != nil {
			return err
		}
		return e.store.InsertStat("waypoint_prune", n)
	})
}

// onTaskError leaves a trace in the durable stats log once a task keeps
// failing, so operators notice without log scraping.
func (e *Engine) onTaskError(name string, streak int64, err error) {
	if streak == errorStreakThreshold {
		if serr := e.store.InsertStat("error", int(streak)); serr != nil {
			e.logger.Warn("error stat write failed", zap.String("task", name), zap.Error(serr))
		}
	}
}

func (e *Engine) trainClassifiers(ctx context.Context) error {
	tenants, err := e.store.ActiveTenants()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	trained := 0
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := e.classifiers.Train(tenant, rng)
		if err != nil {
			e.logger.Warn("classifier training failed", zap.String("tenant", tenant), zap.Error(err))
			continue
		}
		if n > 0 {
			trained++
		}
	}
	return e.store.InsertStat("classifier_train", trained)
}

// --- Public API ---

// Add stores one memory for the caller.
func (e *Engine) Add(ctx context.Context, sc SecurityContext, req AddRequest) (Memory, error) {
	return e.writer.Add(ctx, sc, req)
}

// Search runs hybrid retrieval over the caller's scope.
func (e *Engine) Search(ctx context.Context, sc SecurityContext, req SearchRequest) ([]SearchMatch, error) {
	return e.query.Search(ctx, sc, req)
}

// Get loads one memory with decrypted content.
func (e *Engine) Get(sc SecurityContext, id string) (Memory, error) {
	return e.query.Get(sc, id)
}

// Update applies a partial mutation under optimistic concurrency.
func (e *Engine) Update(ctx context.Context, sc SecurityContext, id string, req UpdateRequest) (Memory, error) {
	return e.writer.Update(ctx, sc, id, req)
}

// Reinforce bumps salience and recency for one memory.
func (e *Engine) Reinforce(sc SecurityContext, id string, boost float64) error {
	return e.writer.ReinforceMemory(sc, id, boost)
}

// Delete removes one memory and everything referencing it.
func (e *Engine) Delete(sc SecurityContext, id string) error {
	return e.writer.Delete(sc, id)
}

// DeleteAll wipes the caller's scope and returns the number removed.
func (e *Engine) DeleteAll(sc SecurityContext, explicit *TenantScope) (int, error) {
	return e.writer.DeleteAll(sc, explicit)
}

// Reflect runs consolidation for one tenant immediately.
func (e *Engine) Reflect(ctx context.Context, sc SecurityContext) (int, error) {
	scope := sc.Scope()
	if scope.All {
		return 0, Errf(CodeInvalid, "reflection targets one tenant")
	}
	return e.reflect.ReflectTenant(ctx, scope.Tenant)
}

// Profile returns the synthesized user profile for a tenant.
func (e *Engine) Profile(sc SecurityContext, tenant string) (UserProfile, error) {
	if _, err := sc.Resolve(&TenantScope{Tenant: &tenant}); err != nil {
		return UserProfile{}, err
	}
	return e.store.GetUserProfile(tenant)
}

// Subscribe registers an event handler scoped to the caller's tenant.
func (e *Engine) Subscribe(sc SecurityContext, kinds []EventKind, handle func(Event)) func() {
	return e.bus.Subscribe(sc.Scope(), kinds, handle)
}

// Store exposes the table store for facts, edges and stats surfaces.
func (e *Engine) Store() *Store { return e.store }

// TaskStats returns the maintenance scheduler's per-task snapshots.
func (e *Engine) TaskStats() []TaskStats { return e.scheduler.Stats() }

// RunTask triggers a named maintenance task outside its schedule.
func (e *Engine) RunTask(name string) error { return e.scheduler.RunNow(name) }

// Count returns the number of memories in the caller's scope.
func (e *Engine) Count(sc SecurityContext) (int, error) {
	return e.store.CountMemories(sc.Scope())
}

// Close stops maintenance and releases the database.
func (e *Engine) Close() error {
	e.scheduler.StopAll(10 * time.Second)
	return e.store.Close()
}
