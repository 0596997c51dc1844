package openmemory

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPseudoVectorUnitNorm(t *testing.T) {
	vec := PseudoVector("the user prefers dark theme", 256)
	require.Len(t, vec, 256)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestPseudoVectorDeterministic(t *testing.T) {
	a := PseudoVector("consistent input", 128)
	b := PseudoVector("consistent input", 128)
	assert.Equal(t, a, b)
}

func TestPseudoVectorSynonymSimilarity(t *testing.T) {
	pref := PseudoVector("I prefer dark theme", 256)
	like := PseudoVector("user likes dark mode", 256)
	other := PseudoVector("quarterly revenue spreadsheet totals", 256)

	simSyn := CosineSimilarity(pref, like)
	simOther := CosineSimilarity(pref, other)

	assert.Greater(t, simSyn, 0.7, "synonym-folded texts should land close")
	assert.Less(t, simOther, 0.3, "unrelated texts should stay apart")
}

func TestPseudoVectorSetSemantics(t *testing.T) {
	once := PseudoVector("coffee morning", 128)
	repeated := PseudoVector("coffee coffee coffee morning", 128)
	assert.InDelta(t, 1.0, CosineSimilarity(once, repeated), 1e-6)
}

func TestSyntheticEncoderSectorPreprocess(t *testing.T) {
	enc := NewSyntheticEncoder(64)
	ctx := context.Background()

	plain, err := enc.Embed(ctx, "wow this is amazing!", SectorSemantic)
	require.NoError(t, err)
	emotional, err := enc.Embed(ctx, "wow this is amazing!", SectorEmotional)
	require.NoError(t, err)
	assert.NotEqual(t, plain, emotional, "emotional preprocessing amplifies interjections")
}

func TestFallbackVectorDim(t *testing.T) {
	vec := FallbackVector("anything at all")
	assert.Len(t, vec, FingerprintDim)
}

func TestCheckEncoderCompatibilityWarnsOverCeiling(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	cfg := Config{VecDim: 64, MaxVectorDim: 32}
	CheckEncoderCompatibility(NewSyntheticEncoder(64), &cfg, logger)
	require.Equal(t, 1, logs.FilterMessageSnippet("maxVectorDim").Len())

	// A dimension under the ceiling stays quiet.
	logs.TakeAll()
	cfg = Config{VecDim: 64, MaxVectorDim: 128}
	CheckEncoderCompatibility(NewSyntheticEncoder(64), &cfg, logger)
	assert.Zero(t, logs.Len())
}

func TestStripMarkdown(t *testing.T) {
	got := stripMarkdown("run `go build` then see [the docs](https://example.com) **now**")
	assert.Contains(t, got, "go build")
	assert.Contains(t, got, "the docs")
	assert.NotContains(t, got, "https://example.com")
	assert.NotContains(t, got, "**")
}
