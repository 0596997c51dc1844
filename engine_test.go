package openmemory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Init(Config{
		DBPath:        filepath.Join(t.TempDir(), "engine.db"),
		EncryptionKey: "engine-test-key",
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestAddAndRecallAcrossPhrasing(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	mem, err := e.Add(ctx, alice, AddRequest{Content: "I prefer dark theme"})
	require.NoError(t, err)
	assert.Equal(t, SectorSemantic, mem.PrimarySector)
	assert.InDelta(t, 0.5, mem.Salience, 1e-9)
	assert.Equal(t, int64(1), mem.Version)

	// Synonym folding makes a differently-phrased query land on the memory.
	matches, err := e.Search(ctx, alice, SearchRequest{Query: "user likes dark mode", K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, mem.ID, matches[0].ID)
	assert.Equal(t, "I prefer dark theme", matches[0].Content)
	assert.Greater(t, matches[0].Score, 0.5)
}

func TestReinforceBumpsSalienceAndVersion(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	mem, err := e.Add(ctx, alice, AddRequest{Content: "standup is at ten"})
	require.NoError(t, err)

	require.NoError(t, e.Reinforce(alice, mem.ID, 0.2))

	got, err := e.Get(alice, mem.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.Salience, 1e-9)
	assert.Equal(t, int64(2), got.Version)

	err = e.Reinforce(alice, "nope", 0.1)
	assert.True(t, IsNotFound(err))
}

func TestTenantIsolation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")
	bob := TenantContext("bob")

	mem, err := e.Add(ctx, alice, AddRequest{Content: "my dentist appointment moved to friday"})
	require.NoError(t, err)

	// Bob sees nothing of Alice's.
	matches, err := e.Search(ctx, bob, SearchRequest{Query: "dentist appointment friday"})
	require.NoError(t, err)
	assert.Empty(t, matches)
	_, err = e.Get(bob, mem.ID)
	assert.True(t, IsNotFound(err))

	// Bob cannot force Alice's scope through the filter.
	scope := ScopeFor("alice")
	_, err = e.Search(ctx, bob, SearchRequest{
		Query: "dentist", Filter: SearchFilter{Tenant: &scope},
	})
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, CodeOf(err))

	// An admin spanning all tenants finds it.
	matches, err = e.Search(ctx, AdminContext(), SearchRequest{Query: "dentist appointment friday"})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, mem.ID, matches[0].ID)
}

func TestSectorOverrideAndRouting(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	mem, err := e.Add(ctx, alice, AddRequest{
		Content: "grandma's lasagna recipe", Sector: SectorEpisodic,
	})
	require.NoError(t, err)
	assert.Equal(t, SectorEpisodic, mem.PrimarySector)
	assert.Equal(t, SectorDecayLambda[SectorEpisodic], mem.DecayLambda)

	routed, err := e.Add(ctx, alice, AddRequest{
		Content: "how to install the toolchain: first you run the setup command",
	})
	require.NoError(t, err)
	assert.Equal(t, SectorProcedural, routed.PrimarySector)

	_, err = e.Add(ctx, alice, AddRequest{Content: "x", Sector: "imaginary"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalid, CodeOf(err))

	_, err = e.Add(ctx, alice, AddRequest{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalid, CodeOf(err))
}

func TestUpdateReembedsChangedContent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	mem, err := e.Add(ctx, alice, AddRequest{Content: "the old project codename was falcon"})
	require.NoError(t, err)

	updated := "the new project codename is heron"
	got, err := e.Update(ctx, alice, mem.ID, UpdateRequest{Content: &updated})
	require.NoError(t, err)
	assert.Equal(t, updated, got.Content)
	assert.Equal(t, int64(2), got.Version)

	matches, err := e.Search(ctx, alice, SearchRequest{Query: "new codename heron", K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, mem.ID, matches[0].ID)
	assert.Equal(t, updated, matches[0].Content)
}

func TestDeleteAndDeleteAll(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	mem, err := e.Add(ctx, alice, AddRequest{Content: "temporary note"})
	require.NoError(t, err)
	require.NoError(t, e.Delete(alice, mem.ID))
	_, err = e.Get(alice, mem.ID)
	assert.True(t, IsNotFound(err))

	for i := 0; i < 3; i++ {
		_, err := e.Add(ctx, alice, AddRequest{Content: "note to wipe"})
		require.NoError(t, err)
	}
	n, err := e.DeleteAll(alice, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := e.Count(alice)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Bulk deletes leave an audit trail.
	audits, err := e.Store().RecentAudit(ScopeFor("alice"), 5)
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	assert.Equal(t, "delete_all", audits[0].Action)
	assert.Equal(t, "3 memories", audits[0].Detail)
}

func TestSearchFilters(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	_, err := e.Add(ctx, alice, AddRequest{Content: "faint memory of the harbor", Salience: 0.2})
	require.NoError(t, err)
	strong, err := e.Add(ctx, alice, AddRequest{Content: "vivid memory of the harbor", Salience: 0.9})
	require.NoError(t, err)

	matches, err := e.Search(ctx, alice, SearchRequest{
		Query: "memory of the harbor", Filter: SearchFilter{MinSalience: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, strong.ID, matches[0].ID)

	// Inverted time window short-circuits to empty.
	start := time.Now()
	end := start.Add(-time.Hour)
	matches, err = e.Search(ctx, alice, SearchRequest{
		Query: "harbor", Filter: SearchFilter{StartTime: &start, EndTime: &end},
	})
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = e.Search(ctx, alice, SearchRequest{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalid, CodeOf(err))
}

// offlineEncoder simulates a provider outage on every embed call.
type offlineEncoder struct{}

func (offlineEncoder) Embed(context.Context, string, Sector) ([]float32, error) {
	return nil, Errf(CodeUnavailable, "provider offline")
}

func (offlineEncoder) Info() EncoderInfo {
	return EncoderInfo{Provider: ProviderOpenAI, Model: "offline", Dims: 0}
}

func TestKeywordFallbackScoresRawOverlap(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	mem, err := h.writer.Add(ctx, alice, AddRequest{Content: "I prefer dark theme"})
	require.NoError(t, err)

	q := NewQueryEngine(h.store, h.store.Vectors(), h.crypto, offlineEncoder{},
		DefaultResonance(), NewQueryGate(4), &h.cfg, nil)
	matches, err := q.Search(ctx, alice, SearchRequest{Query: "I prefer dark theme", K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, mem.ID, matches[0].ID)
	// Identical token sets: the degraded path reports the raw lexical overlap.
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestEventsFollowMutations(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	var kinds []EventKind
	cancel := e.Subscribe(alice, nil, func(ev Event) { kinds = append(kinds, ev.Kind) })
	defer cancel()

	mem, err := e.Add(ctx, alice, AddRequest{Content: "observable"})
	require.NoError(t, err)
	require.NoError(t, e.Delete(alice, mem.ID))

	assert.Equal(t, []EventKind{EventMemoryAdded, EventMemoryDeleted}, kinds)
}

func TestEvictionEmitsDeleteEvents(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	cfg := h.cfg
	cfg.MaxMemoriesPerUser = 2
	bus := NewBus()
	writer := NewWriter(h.store, h.store.Vectors(), h.crypto,
		NewSyntheticEncoder(cfg.VecDim), NewSectorRouter(nil), bus, &cfg, nil)

	var deleted []string
	cancel := bus.Subscribe(ScopeFor("alice"), []EventKind{EventMemoryDeleted}, func(ev Event) {
		deleted = append(deleted, ev.ID)
	})
	defer cancel()

	first, err := writer.Add(ctx, alice, AddRequest{Content: "oldest faint note", Salience: 0.1})
	require.NoError(t, err)
	_, err = writer.Add(ctx, alice, AddRequest{Content: "second note about planning", Salience: 0.5})
	require.NoError(t, err)
	_, err = writer.Add(ctx, alice, AddRequest{Content: "third note about shipping", Salience: 0.9})
	require.NoError(t, err)

	assert.Equal(t, []string{first.ID}, deleted, "evicted memory announces its deletion")
}

func TestWaypointsLinkSimilarMemories(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	alice := TenantContext("alice")

	first, err := e.Add(ctx, alice, AddRequest{Content: "espresso tastes better than drip coffee"})
	require.NoError(t, err)
	second, err := e.Add(ctx, alice, AddRequest{Content: "espresso coffee in the morning"})
	require.NoError(t, err)

	wps, err := e.Store().WaypointsFrom([]string{second.ID}, ScopeFor("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, wps, "similar same-sector memories get linked")
	assert.Equal(t, first.ID, wps[0].DstID)
	assert.Greater(t, wps[0].Weight, waypointMinWrite)
}

func TestProfileAccessControl(t *testing.T) {
	e := testEngine(t)

	require.NoError(t, e.Store().UpsertUserProfile("alice", "coffee person"))

	p, err := e.Profile(TenantContext("alice"), "alice")
	require.NoError(t, err)
	assert.Equal(t, "coffee person", p.Summary)

	_, err = e.Profile(TenantContext("bob"), "alice")
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, CodeOf(err))

	_, err = e.Profile(AdminContext(), "alice")
	require.NoError(t, err)
}
