package openmemory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ReflectWorker consolidates clusters of similar recent memories into
// reflective insights. Clustering is lexical (Jaccard over canonical token
// sets) so it works identically with every encoder provider.

const (
	reflectRecentWindow    = 100
	reflectClusterSim      = 0.8
	reflectRecencyConstant = 12 * time.Hour
	reflectSourceBoost     = 1.1
)

// ReflectWorker owns the consolidation pass.
type ReflectWorker struct {
	store     *Store
	crypto    *CryptoBox
	writer    *Writer
	generator Generator // may be nil; template fallback always works
	logger    *zap.Logger
	clock     func() time.Time

	minMemories int
}

// NewReflectWorker wires the worker.
func NewReflectWorker(store *Store, crypto *CryptoBox, writer *Writer,
	generator Generator, cfg *Config, logger *zap.Logger) *ReflectWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReflectWorker{
		store:       store,
		crypto:      crypto,
		writer:      writer,
		generator:   generator,
		logger:      logger,
		clock:       cfg.Clock,
		minMemories: cfg.ReflectMin,
	}
}

// Run reflects every active tenant plus the system bucket.
func (r *ReflectWorker) Run(ctx context.Context) error {
	tenants, err := r.store.ActiveTenants()
	if err != nil {
		return err
	}
	buckets := make([]*string, 0, len(tenants)+1)
	buckets = append(buckets, nil) // system bucket
	for i := range tenants {
		buckets = append(buckets, &tenants[i])
	}

	total := 0
	for _, tenant := range buckets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.ReflectTenant(ctx, tenant)
		if err != nil {
			r.logger.Warn("reflection failed",
				zap.String("tenant", derefTenant(tenant)), zap.Error(err))
			continue
		}
		total += n
	}
	if err := r.store.InsertStat("reflect", total); err != nil {
		r.logger.Warn("reflect stat write failed", zap.Error(err))
	}
	return nil
}

func derefTenant(t *string) string {
	if t == nil {
		return "<system>"
	}
	return *t
}

// clusterMember is one decrypted candidate memory.
type clusterMember struct {
	row     MemoryRow
	content string
	tokens  map[string]bool
}

// ReflectTenant runs one consolidation pass over a tenant's recent memories
// and returns the number of insights created.
func (r *ReflectWorker) ReflectTenant(ctx context.Context, tenant *string) (int, error) {
	scope := TenantScope{Tenant: tenant}
	recent, err := r.store.ListRecent(scope, reflectRecentWindow, nil)
	if err != nil {
		return 0, err
	}
	if len(recent) < r.minMemories {
		return 0, nil
	}

	candidates := make([]clusterMember, 0, len(recent))
	for _, row := range recent {
		if row.PrimarySector == SectorReflective || row.Metadata.Consolidated {
			continue
		}
		content, ok := r.crypto.DecryptOrPlaceholder(row.Encrypted)
		if !ok {
			continue
		}
		candidates = append(candidates, clusterMember{
			row: row, content: content, tokens: CanonicalSet(content),
		})
	}

	clusters := clusterBySimilarity(candidates)

	created := 0
	now := r.clock()
	for _, cluster := range clusters {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if err := r.consolidate(ctx, tenant, cluster, now); err != nil {
			r.logger.Warn("cluster consolidation failed", zap.Error(err))
			continue
		}
		created++
	}
	if created > 0 && tenant != nil {
		if err := r.store.BumpReflectionCount(*tenant); err != nil {
			r.logger.Warn("reflection count bump failed", zap.Error(err))
		}
	}
	return created, nil
}

// clusterBySimilarity greedily groups same-sector candidates whose canonical
// token sets overlap above the threshold. Singletons are dropped.
func clusterBySimilarity(candidates []clusterMember) [][]clusterMember {
	used := make([]bool, len(candidates))
	var clusters [][]clusterMember
	for i := range candidates {
		if used[i] {
			continue
		}
		cluster := []clusterMember{candidates[i]}
		used[i] = true
		for j := i + 1; j < len(candidates); j++ {
			if used[j] || candidates[j].row.PrimarySector != candidates[i].row.PrimarySector {
				continue
			}
			if Jaccard(candidates[i].tokens, candidates[j].tokens) > reflectClusterSim {
				cluster = append(cluster, candidates[j])
				used[j] = true
			}
		}
		if len(cluster) >= 2 {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// reflectiveSalience scores an insight by cluster size, recency of its
// sources and emotional charge. Recency decays exponentially with a 12h
// constant over each source's creation time.
func reflectiveSalience(cluster []clusterMember, now time.Time) float64 {
	var recency float64
	hasEmotional := 0.0
	for _, m := range cluster {
		age := now.Sub(m.row.CreatedAt)
		if age < 0 {
			age = 0
		}
		recency += math.Exp(-float64(age) / float64(reflectRecencyConstant))
		if m.row.PrimarySector == SectorEmotional {
			hasEmotional = 1
		}
		for _, tag := range m.row.Tags {
			if tag == "emotional" {
				hasEmotional = 1
			}
		}
	}
	recency /= float64(len(cluster))
	score := 0.6*float64(len(cluster))/10 + 0.3*recency + 0.1*hasEmotional
	if score > 1 {
		score = 1
	}
	return score
}

func (r *ReflectWorker) consolidate(ctx context.Context, tenant *string, cluster []clusterMember, now time.Time) error {
	sector := cluster[0].row.PrimarySector
	contents := make([]string, len(cluster))
	sources := make([]string, len(cluster))
	for i, m := range cluster {
		contents[i] = m.content
		sources[i] = m.row.ID
	}

	insight := r.synthesize(ctx, sector, contents)
	salience := reflectiveSalience(cluster, now)

	sc := SecurityContext{Tenant: tenant}
	if _, err := r.writer.Add(ctx, sc, AddRequest{
		Content:  insight,
		Sector:   SectorReflective,
		Tags:     []string{"reflect:auto"},
		Salience: salience,
		Metadata: MemoryMetadata{
			Type:      "auto_reflect",
			Sources:   sources,
			Frequency: len(cluster),
			At:        now.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return err
	}

	for _, m := range cluster {
		row := m.row
		expect := row.Version
		row.Metadata.Consolidated = true
		row.Salience = clamp01(row.Salience * reflectSourceBoost)
		row.LastSeenAt = now
		row.UpdatedAt = now
		row.Version = expect + 1
		if err := r.store.UpdateMemoryCAS(row, expect); err != nil && !IsConflict(err) {
			r.logger.Warn("source mark failed", zap.String("id", row.ID), zap.Error(err))
		}
	}
	return nil
}

// synthesize produces the insight text: the generator when available, a
// deterministic template otherwise. The template shape is part of the
// contract; tests and downstream consumers rely on it.
func (r *ReflectWorker) synthesize(ctx context.Context, sector Sector, contents []string) string {
	if r.generator != nil {
		if text, err := r.generator.Generate(ctx, ReflectionPrompt(sector, contents)); err == nil && text != "" {
			return text
		}
		r.logger.Debug("generator unavailable, using template")
	}
	joined := strings.Join(contents, "; ")
	if runes := []rune(joined); len(runes) > 200 {
		joined = string(runes[:200])
	}
	return fmt.Sprintf("%d %s pattern detected: %s", len(contents), sector, joined)
}
