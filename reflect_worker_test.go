package openmemory

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReflectWorker(h *testHarness, minMemories int, gen Generator) *ReflectWorker {
	cfg := h.cfg
	cfg.ReflectMin = minMemories
	return NewReflectWorker(h.store, h.crypto, h.writer, gen, &cfg, nil)
}

func TestReflectConsolidatesSimilarMemories(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	var sourceIDs []string
	for i := 0; i < 3; i++ {
		mem, err := h.writer.Add(ctx, alice, AddRequest{Content: "I drink coffee every morning"})
		require.NoError(t, err)
		sourceIDs = append(sourceIDs, mem.ID)
	}

	worker := newReflectWorker(h, 2, nil)
	created, err := worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	insights, err := h.store.ListRecent(ScopeFor("alice"), 10, []Sector{SectorReflective})
	require.NoError(t, err)
	require.Len(t, insights, 1)

	insight := insights[0]
	content, ok := h.crypto.DecryptOrPlaceholder(insight.Encrypted)
	require.True(t, ok)
	assert.Equal(t, "3 semantic pattern detected: "+
		"I drink coffee every morning; I drink coffee every morning; I drink coffee every morning",
		content)
	assert.Contains(t, insight.Tags, "reflect:auto")
	assert.Equal(t, "auto_reflect", insight.Metadata.Type)
	assert.ElementsMatch(t, sourceIDs, insight.Metadata.Sources)
	assert.Equal(t, 3, insight.Metadata.Frequency)
	// 0.6·3/10 + 0.3·1 (all sources created just now) + 0 emotional.
	assert.InDelta(t, 0.48, insight.Salience, 1e-9)

	for _, id := range sourceIDs {
		row, err := h.store.GetMemory(id, ScopeFor("alice"))
		require.NoError(t, err)
		assert.True(t, row.Metadata.Consolidated)
		assert.InDelta(t, 0.55, row.Salience, 1e-9, "sources get a 1.1x boost")
		assert.Equal(t, int64(2), row.Version)
	}

	p, err := h.store.GetUserProfile("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ReflectionCount)
}

func TestReflectRecencyDecaysWithSourceAge(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	for i := 0; i < 3; i++ {
		_, err := h.writer.Add(ctx, alice, AddRequest{Content: "I drink coffee every morning"})
		require.NoError(t, err)
	}

	// Reflect 12 hours later: one decay constant of source age.
	cfg := h.cfg
	cfg.ReflectMin = 2
	cfg.Clock = func() time.Time { return t0.Add(12 * time.Hour) }
	worker := NewReflectWorker(h.store, h.crypto, h.writer, nil, &cfg, nil)

	created, err := worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	require.Equal(t, 1, created)

	insights, err := h.store.ListRecent(ScopeFor("alice"), 10, []Sector{SectorReflective})
	require.NoError(t, err)
	require.Len(t, insights, 1)
	// 0.6·3/10 + 0.3·e⁻¹ + 0 emotional.
	assert.InDelta(t, 0.18+0.3*math.Exp(-1), insights[0].Salience, 1e-9)
}

func TestSynthesizeTemplateTruncates(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	worker := newReflectWorker(h, 2, nil)

	long := strings.TrimSpace(strings.Repeat("café ", 60))
	got := worker.synthesize(context.Background(), SectorSemantic, []string{long, long})

	prefix := "2 semantic pattern detected: "
	require.True(t, strings.HasPrefix(got, prefix))
	assert.Equal(t, 200, utf8.RuneCountInString(strings.TrimPrefix(got, prefix)))
	assert.True(t, utf8.ValidString(got))
}

func TestReflectionPromptBounded(t *testing.T) {
	contents := make([]string, 50)
	for i := range contents {
		contents[i] = strings.Repeat("x", 200)
	}
	prompt := ReflectionPrompt(SectorSemantic, contents)

	header := "Synthesize one concise insight (max 2 sentences) from these 50 related semantic memories:\n"
	require.True(t, strings.HasPrefix(prompt, header))
	assert.Equal(t, 3000, utf8.RuneCountInString(strings.TrimPrefix(prompt, header)))
}

func TestReflectSecondPassIsIdempotent(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	for i := 0; i < 3; i++ {
		_, err := h.writer.Add(ctx, alice, AddRequest{Content: "I drink coffee every morning"})
		require.NoError(t, err)
	}

	worker := newReflectWorker(h, 2, nil)
	created, err := worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	require.Equal(t, 1, created)

	// Consolidated sources and the reflective insight are both excluded.
	created, err = worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestReflectRequiresMinimumMemories(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	for i := 0; i < 3; i++ {
		_, err := h.writer.Add(ctx, alice, AddRequest{Content: "I drink coffee every morning"})
		require.NoError(t, err)
	}

	worker := newReflectWorker(h, 20, nil)
	created, err := worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	assert.Zero(t, created, "below the minimum, no clustering happens")
}

func TestReflectIgnoresDissimilarMemories(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	for _, content := range []string{
		"I drink coffee every morning",
		"the cat knocked a plant off the shelf",
		"quarterly budget numbers look solid",
	} {
		_, err := h.writer.Add(ctx, alice, AddRequest{Content: content})
		require.NoError(t, err)
	}

	worker := newReflectWorker(h, 2, nil)
	created, err := worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	assert.Zero(t, created, "singleton clusters are dropped")
}

type fakeGenerator struct {
	out string
	err error
}

func (f fakeGenerator) Generate(context.Context, string) (string, error) { return f.out, f.err }

func TestReflectPrefersGenerator(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	for i := 0; i < 2; i++ {
		_, err := h.writer.Add(ctx, alice, AddRequest{Content: "I drink coffee every morning"})
		require.NoError(t, err)
	}

	worker := newReflectWorker(h, 2, fakeGenerator{out: "User has a daily coffee ritual."})
	created, err := worker.ReflectTenant(ctx, strPtr("alice"))
	require.NoError(t, err)
	require.Equal(t, 1, created)

	insights, err := h.store.ListRecent(ScopeFor("alice"), 10, []Sector{SectorReflective})
	require.NoError(t, err)
	require.Len(t, insights, 1)
	content, _ := h.crypto.DecryptOrPlaceholder(insights[0].Encrypted)
	assert.Equal(t, "User has a daily coffee ritual.", content)
}

func strPtr(s string) *string { return &s }
