package openmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SummaryWorker keeps the per-tenant profile row fresh. Tenants are processed
// concurrently under a small semaphore so one slow generator call does not
// serialize the whole fleet.

const (
	summaryRecentWindow = 50
	summaryConcurrency  = 5
)

// SummaryWorker owns the profile synthesis pass.
type SummaryWorker struct {
	store     *Store
	crypto    *CryptoBox
	generator Generator // may be nil
	logger    *zap.Logger
	sem       *semaphore.Weighted
}

// NewSummaryWorker wires the worker.
func NewSummaryWorker(store *Store, crypto *CryptoBox, generator Generator, logger *zap.Logger) *SummaryWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryWorker{
		store:     store,
		crypto:    crypto,
		generator: generator,
		logger:    logger,
		sem:       semaphore.NewWeighted(summaryConcurrency),
	}
}

// Run refreshes every active tenant's profile.
func (w *SummaryWorker) Run(ctx context.Context) error {
	tenants, err := w.store.ActiveTenants()
	if err != nil {
		return err
	}
	updated := 0
	done := make(chan bool, len(tenants))
	for _, tenant := range tenants {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(tenant string) {
			defer w.sem.Release(1)
			ok, err := w.SummarizeTenant(ctx, tenant)
			if err != nil {
				w.logger.Warn("profile summary failed", zap.String("tenant", tenant), zap.Error(err))
			}
			done <- ok
		}(tenant)
	}
	for range tenants {
		if <-done {
			updated++
		}
	}
	if err := w.store.InsertStat("user_summary", updated); err != nil {
		w.logger.Warn("summary stat write failed", zap.Error(err))
	}
	return nil
}

// SummarizeTenant rebuilds one tenant's profile. Returns false when the
// tenant had nothing to summarize.
func (w *SummaryWorker) SummarizeTenant(ctx context.Context, tenant string) (bool, error) {
	recent, err := w.store.ListRecent(ScopeFor(tenant), summaryRecentWindow, nil)
	if err != nil {
		return false, err
	}
	if len(recent) == 0 {
		return false, nil
	}

	contents := make([]string, 0, len(recent))
	for _, row := range recent {
		if content, ok := w.crypto.DecryptOrPlaceholder(row.Encrypted); ok {
			contents = append(contents, content)
		}
	}

	summary := ""
	if w.generator != nil && len(contents) > 0 {
		if text, err := w.generator.Generate(ctx, UserSummaryPrompt(contents)); err == nil {
			summary = text
		}
	}
	if summary == "" {
		summary = heuristicProfile(recent, contents)
	}
	if summary == "" {
		return false, nil
	}
	if err := w.store.UpsertUserProfile(tenant, summary); err != nil {
		return false, err
	}
	return true, nil
}

// heuristicProfile builds a profile from structured metadata and keyword
// frequency when no generator is available.
func heuristicProfile(rows []MemoryRow, contents []string) string {
	projects := map[string]int{}
	files := map[string]int{}
	events := map[string]int{}
	sectors := map[Sector]int{}
	for _, row := range rows {
		if row.Metadata.IDEProjectName != "" {
			projects[row.Metadata.IDEProjectName]++
		}
		if row.Metadata.IDEFilePath != "" {
			files[row.Metadata.IDEFilePath]++
		}
		if row.Metadata.IDEEventType != "" {
			events[row.Metadata.IDEEventType]++
		}
		sectors[row.PrimarySector]++
	}

	var parts []string
	if top := topCounts(projects, 2); len(top) > 0 {
		parts = append(parts, "works on "+strings.Join(top, ", "))
	}
	if top := topCounts(events, 2); len(top) > 0 {
		parts = append(parts, "frequent activity: "+strings.Join(top, ", "))
	}
	if kw := TopKeywords(strings.Join(contents, " "), 5); len(kw) > 0 {
		parts = append(parts, "recurring topics: "+strings.Join(kw, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	var dominant Sector
	best := 0
	for _, sector := range AllSectors {
		if sectors[sector] > best {
			dominant, best = sector, sectors[sector]
		}
	}
	return fmt.Sprintf("User %s; mostly %s memories (%d recent).",
		strings.Join(parts, "; "), dominant, len(rows))
}

func topCounts(m map[string]int, k int) []string {
	type kv struct {
		key string
		n   int
	}
	items := make([]kv, 0, len(m))
	for key, n := range m {
		items = append(items, kv{key, n})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].n != items[j].n {
			return items[i].n > items[j].n
		}
		return items[i].key < items[j].key
	})
	if len(items) > k {
		items = items[:k]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.key
	}
	return out
}
