package openmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeTenantHeuristic(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	for i := 0; i < 3; i++ {
		_, err := h.writer.Add(ctx, alice, AddRequest{
			Content: "refactored the billing reconciliation pipeline",
			Metadata: MemoryMetadata{
				IDEProjectName: "payments-api",
				IDEEventType:   "file_save",
			},
		})
		require.NoError(t, err)
	}

	worker := NewSummaryWorker(h.store, h.crypto, nil, nil)
	ok, err := worker.SummarizeTenant(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	p, err := h.store.GetUserProfile("alice")
	require.NoError(t, err)
	assert.Contains(t, p.Summary, "payments-api")
	assert.Contains(t, p.Summary, "file_save")
	assert.Contains(t, p.Summary, "billing")
}

func TestSummarizeTenantPrefersGenerator(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()
	alice := TenantContext("alice")

	_, err := h.writer.Add(ctx, alice, AddRequest{Content: "likes static typing"})
	require.NoError(t, err)

	worker := NewSummaryWorker(h.store, h.crypto, fakeGenerator{out: "A static typing enthusiast."}, nil)
	ok, err := worker.SummarizeTenant(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	p, err := h.store.GetUserProfile("alice")
	require.NoError(t, err)
	assert.Equal(t, "A static typing enthusiast.", p.Summary)
}

func TestSummarizeTenantEmpty(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })

	worker := NewSummaryWorker(h.store, h.crypto, nil, nil)
	ok, err := worker.SummarizeTenant(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.store.GetUserProfile("ghost")
	assert.True(t, IsNotFound(err))
}

func TestSummaryWorkerRunCoversActiveTenants(t *testing.T) {
	t0 := time.Now()
	h := newTestHarness(t, func() time.Time { return t0 })
	ctx := context.Background()

	for _, tenant := range []string{"alice", "bob"} {
		_, err := h.writer.Add(ctx, TenantContext(tenant), AddRequest{
			Content: "works late on tuesdays",
		})
		require.NoError(t, err)
	}

	worker := NewSummaryWorker(h.store, h.crypto, fakeGenerator{out: "Night owl."}, nil)
	require.NoError(t, worker.Run(ctx))

	for _, tenant := range []string{"alice", "bob"} {
		p, err := h.store.GetUserProfile(tenant)
		require.NoError(t, err)
		assert.Equal(t, "Night owl.", p.Summary)
	}
}
