package openmemory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTrainingMemories inserts linearly separable samples: semantic memories
// point along the x axis, episodic along y.
func seedTrainingMemories(t *testing.T, s *Store, tenant string, perClass int) {
	t.Helper()
	tenantPtr := &tenant
	for i := 0; i < perClass; i++ {
		jitter := float32(i) * 0.01
		sem := testMemoryRow(tenantPtr, "fact")
		sem.PrimarySector = SectorSemantic
		sem.MeanVec = []float32{1, jitter}
		require.NoError(t, s.InsertMemory(sem))

		epi := testMemoryRow(tenantPtr, "event")
		epi.PrimarySector = SectorEpisodic
		epi.MeanVec = []float32{jitter, 1}
		require.NoError(t, s.InsertMemory(epi))
	}
}

func TestClassifierTrainAndPredict(t *testing.T) {
	s := testStore(t)
	seedTrainingMemories(t, s, "alice", 16)

	cache := NewClassifierCache(s, nil)
	rng := rand.New(rand.NewSource(42))
	n, err := cache.Train("alice", rng)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	sector, conf, ok := cache.Predict("alice", []float32{1, 0})
	require.True(t, ok)
	assert.Equal(t, SectorSemantic, sector)
	assert.Greater(t, conf, 0.5)

	sector, _, ok = cache.Predict("alice", []float32{0, 1})
	require.True(t, ok)
	assert.Equal(t, SectorEpisodic, sector)
}

func TestClassifierTooFewSamples(t *testing.T) {
	s := testStore(t)
	seedTrainingMemories(t, s, "alice", 4) // 8 < classifierMinSamples

	cache := NewClassifierCache(s, nil)
	n, err := cache.Train("alice", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, ok := cache.Predict("alice", []float32{1, 0})
	assert.False(t, ok, "no model for untrained tenant")
}

func TestClassifierVersionBumpsAndInvalidates(t *testing.T) {
	s := testStore(t)
	seedTrainingMemories(t, s, "alice", 16)

	cache := NewClassifierCache(s, nil)
	rng := rand.New(rand.NewSource(7))
	_, err := cache.Train("alice", rng)
	require.NoError(t, err)
	_, err = cache.Train("alice", rng)
	require.NoError(t, err)

	model, err := s.GetClassifierModel("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, model.Version)

	// The cache serves the retrained model.
	_, _, ok := cache.Predict("alice", []float32{1, 0})
	assert.True(t, ok)
}

func TestClassifierDimensionMismatch(t *testing.T) {
	s := testStore(t)
	seedTrainingMemories(t, s, "alice", 16)

	cache := NewClassifierCache(s, nil)
	_, err := cache.Train("alice", rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	_, _, ok := cache.Predict("alice", []float32{1, 0, 0, 0})
	assert.False(t, ok)
}
