package openmemory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHarness wires a store, crypto and write path against a fixed clock.
type testHarness struct {
	cfg    Config
	store  *Store
	crypto *CryptoBox
	writer *Writer
}

func newTestHarness(t *testing.T, clock func() time.Time) *testHarness {
	t.Helper()
	cfg := Config{EncryptionKey: "decay-test-key", Clock: clock}
	cfg.ApplyDefaults()

	store := testStore(t)
	store.clock = cfg.Clock
	crypto, err := NewCryptoBox(cfg.EncryptionKey)
	require.NoError(t, err)
	encoder := NewSyntheticEncoder(cfg.VecDim)
	writer := NewWriter(store, store.Vectors(), crypto, encoder,
		NewSectorRouter(nil), NewBus(), &cfg, nil)

	return &testHarness{cfg: cfg, store: store, crypto: crypto, writer: writer}
}

func (h *testHarness) decayWorkerAt(clock func() time.Time, gate *QueryGate) *DecayWorker {
	cfg := h.cfg
	cfg.Clock = clock
	return NewDecayWorker(h.store, h.store.Vectors(), h.crypto, gate, &cfg, nil)
}

func TestDecayCompressesStaleMemoryToFingerprint(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	alice := TenantContext("alice")

	mem, err := h.writer.Add(context.Background(), alice, AddRequest{
		Content:  "the quarterly budget spreadsheet for the finance team",
		Salience: 0.3,
	})
	require.NoError(t, err)

	// Thirty days later: cold tier, λ=0.05, factor = exp(-3.75) ≈ 0.024.
	t30 := t0.Add(30 * 24 * time.Hour)
	worker := h.decayWorkerAt(func() time.Time { return t30 }, nil)
	require.NoError(t, worker.Run(context.Background()))

	v := h.store.Vectors()
	scope := ScopeFor("alice")

	_, err = v.Get(mem.ID, string(SectorSemantic), scope)
	assert.True(t, IsNotFound(err), "live vector replaced")

	cold, err := v.Get(mem.ID, string(SectorSemantic)+ColdSuffix, scope)
	require.NoError(t, err)
	assert.Len(t, cold.Vector, FingerprintDim)

	row, err := h.store.GetMemory(mem.ID, scope)
	require.NoError(t, err)
	assert.Len(t, row.CompressedVec, FingerprintDim)
	assert.Less(t, row.Salience, 0.1)
	assert.Equal(t, int64(2), row.Version)
	assert.Equal(t, "budget finance quarterly", row.GeneratedSummary,
		"cold memories keep a top-keyword summary")

	rows, err := h.store.RecentStats("decay", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Count)
	assert.EqualValues(t, 1, rows[0].Detail["fingerprinted"])
	assert.EqualValues(t, 0, rows[0].Detail["compressed"])

	tiers, ok := rows[0].Detail["tiers"].(map[string]any)
	require.True(t, ok, "stat rows carry a tier breakdown")
	assert.EqualValues(t, 0, tiers["hot"])
	assert.EqualValues(t, 0, tiers["warm"])
	assert.EqualValues(t, 1, tiers["cold"])
}

func TestDecaySkipsFreshMemories(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	alice := TenantContext("alice")

	mem, err := h.writer.Add(context.Background(), alice, AddRequest{Content: "fresh note"})
	require.NoError(t, err)

	worker := h.decayWorkerAt(func() time.Time { return t0 }, nil)
	require.NoError(t, worker.Run(context.Background()))

	row, err := h.store.GetMemory(mem.ID, ScopeFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version, "zero elapsed time leaves the row alone")
	assert.InDelta(t, 0.5, row.Salience, 1e-9)

	// Skipped rows are still tiered in the run's stat row.
	rows, err := h.store.RecentStats("decay", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	tiers, ok := rows[0].Detail["tiers"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, tiers["warm"])
}

func TestDecayDefersToActiveQueries(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	h := newTestHarness(t, func() time.Time { return t0 })
	alice := TenantContext("alice")

	mem, err := h.writer.Add(context.Background(), alice, AddRequest{Content: "busy system note"})
	require.NoError(t, err)

	gate := NewQueryGate(4)
	done, err := gate.Enter()
	require.NoError(t, err)

	t30 := t0.Add(30 * 24 * time.Hour)
	worker := h.decayWorkerAt(func() time.Time { return t30 }, gate)
	require.NoError(t, worker.Run(context.Background()))

	row, err := h.store.GetMemory(mem.ID, ScopeFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version, "run skipped while a query is in flight")

	// Finishing the query starts the cooldown window instead.
	done(t30)
	require.NoError(t, worker.Run(context.Background()))
	row, err = h.store.GetMemory(mem.ID, ScopeFor("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version, "still deferred inside the cooldown")
}

func TestQueryGateCapacity(t *testing.T) {
	gate := NewQueryGate(2)

	d1, err := gate.Enter()
	require.NoError(t, err)
	d2, err := gate.Enter()
	require.NoError(t, err)

	_, err = gate.Enter()
	require.Error(t, err)
	assert.Equal(t, CodeUnavailable, CodeOf(err))
	assert.True(t, IsRetryable(err))

	now := time.Now()
	d1(now)
	d2(now)
	_, err = gate.Enter()
	require.NoError(t, err)
}

func TestPoolVector(t *testing.T) {
	vec := []float32{1, 1, 2, 2, 3, 3, 4, 4}

	pooled := PoolVector(vec, 0.5, 2)
	require.Len(t, pooled, 4)

	// Bucket means keep their relative order: 1 < 2 < 3 < 4.
	for i := 1; i < len(pooled); i++ {
		assert.Greater(t, pooled[i], pooled[i-1])
	}

	// Unit norm after pooling.
	var norm float64
	for _, x := range pooled {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	// A near-unity factor leaves the vector alone.
	assert.Equal(t, vec, PoolVector(vec, 0.99, 2))

	// The floor wins over aggressive factors.
	tiny := PoolVector(vec, 0.01, 2)
	assert.Len(t, tiny, 2)
}

func TestPruneStaleWaypoints(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	now := t0
	require.NoError(t, h.store.UpsertWaypoint(Waypoint{
		SrcID: "a", DstID: "b", Weight: 0.9, CreatedAt: now, LastTraversedAt: now,
	}))
	require.NoError(t, h.store.UpsertWaypoint(Waypoint{
		SrcID: "a", DstID: "c", Weight: 0.025, CreatedAt: now, LastTraversedAt: now,
	}))

	worker := h.decayWorkerAt(func() time.Time { return t0 }, nil)
	pruned, err := worker.PruneStaleWaypoints(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned, "weak edge decays under the keep floor")

	left, err := h.store.WaypointsFrom([]string{"a"}, SystemScope())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.InDelta(t, 0.9*math.Exp(-7.0/30.0), left[0].Weight, 1e-6)
}
