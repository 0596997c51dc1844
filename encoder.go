package openmemory

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Encoder provider names.
const (
	ProviderSynthetic = "synthetic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// EncoderInfo is the digest used by the compatibility check at startup.
type EncoderInfo struct {
	Provider string
	Model    string
	Dims     int
}

// Encoder turns text into a unit-norm dense vector for a sector.
// Deterministic for a fixed provider+model+sector.
type Encoder interface {
	Embed(ctx context.Context, text string, sector Sector) ([]float32, error)
	Info() EncoderInfo
}

// FingerprintDim is the dimension of fallback/fingerprint vectors.
const FingerprintDim = 32

// --- Sector preprocessing ---

var markdownRe = regexp.MustCompile("(`+[^`]*`+)|(\\[([^\\]]*)\\]\\([^)]*\\))|([#*_>~]+)")

// stripMarkdown removes code spans, link targets and emphasis markers,
// keeping link text.
func stripMarkdown(text string) string {
	return markdownRe.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "[") {
			if end := strings.Index(m, "]"); end > 0 {
				return m[1:end]
			}
		}
		if strings.HasPrefix(m, "`") {
			return strings.Trim(m, "`")
		}
		return " "
	})
}

var interjectionRe = regexp.MustCompile(`(?i)\b(wow|ugh|yay|ouch|hmm+|oh|ah|whoa|argh|phew)\b|!`)

// sectorPreprocess applies per-sector text shaping before embedding.
// Procedural strips markdown; emotional amplifies interjection tokens so
// they survive canonicalization.
func sectorPreprocess(text string, sector Sector) string {
	switch sector {
	case SectorProcedural:
		return stripMarkdown(text)
	case SectorEmotional:
		n := len(interjectionRe.FindAllString(text, -1))
		if n > 0 {
			return text + strings.Repeat(" exclaim", n)
		}
	}
	return text
}

// --- Synthetic provider ---

// SyntheticEncoder is the default deterministic provider. Each canonical
// token hashes to a pseudo-random unit direction; the embedding is the
// normalized token sum, so texts sharing canonical tokens land close
// together. It also backs the SimHash-like fallback used for fingerprinting
// cold memories.
type SyntheticEncoder struct {
	dim int
}

// NewSyntheticEncoder creates the synthetic provider at the given dimension.
func NewSyntheticEncoder(dim int) *SyntheticEncoder {
	if dim <= 0 {
		dim = 256
	}
	return &SyntheticEncoder{dim: dim}
}

func (e *SyntheticEncoder) Info() EncoderInfo {
	return EncoderInfo{Provider: ProviderSynthetic, Model: "token-hash-v1", Dims: e.dim}
}

// Embed produces the unit-norm pseudo-embedding for text in a sector.
func (e *SyntheticEncoder) Embed(_ context.Context, text string, sector Sector) ([]float32, error) {
	return PseudoVector(sectorPreprocess(text, sector), e.dim), nil
}

// PseudoVector builds a deterministic unit vector from text: an FNV-seeded
// xorshift stream per canonical token, summed and L2-normalized. Texts with
// no canonical tokens fall back to hashing the raw string.
func PseudoVector(text string, dim int) []float32 {
	tokens := CanonicalTokens(text)
	if len(tokens) == 0 {
		tokens = []string{strings.ToLower(strings.TrimSpace(text))}
	}
	acc := make([]float64, dim)
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if seen[tok] {
			continue // set semantics: repeated tokens don't dominate
		}
		seen[tok] = true
		h := fnv.New64a()
		h.Write([]byte(tok))
		state := h.Sum64()
		if state == 0 {
			state = 0x9e3779b97f4a7c15
		}
		for i := 0; i < dim; i++ {
			state = xorshift64(state)
			// Signed reinterpretation maps the state into [-1, 1].
			acc[i] += float64(int64(state)) / float64(math.MaxInt64)
		}
	}
	return normalize(acc)
}

func xorshift64(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

func normalize(acc []float64) []float32 {
	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, len(acc))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// FallbackVector is the 32-dim deterministic pseudo-vector used when the
// real provider is unavailable and for cold-memory fingerprints.
func FallbackVector(text string) []float32 {
	return PseudoVector(text, FingerprintDim)
}

// fallbackEncoder wraps a real provider and degrades to FallbackVector when
// it fails, so retrieval keeps working while the provider is down.
type fallbackEncoder struct {
	inner  Encoder
	logger *zap.Logger
}

// WithFallback wraps enc so provider outages degrade to the synthetic
// fingerprint instead of failing the write path.
func WithFallback(enc Encoder, logger *zap.Logger) Encoder {
	if enc.Info().Provider == ProviderSynthetic {
		return enc
	}
	return &fallbackEncoder{inner: enc, logger: logger}
}

func (f *fallbackEncoder) Info() EncoderInfo { return f.inner.Info() }

func (f *fallbackEncoder) Embed(ctx context.Context, text string, sector Sector) ([]float32, error) {
	vec, err := f.inner.Embed(ctx, text, sector)
	if err == nil {
		return vec, nil
	}
	f.logger.Warn("embedding provider failed, using synthetic fallback",
		zap.String("provider", f.inner.Info().Provider), zap.Error(err))
	return FallbackVector(sectorPreprocess(text, sector)), nil
}

// CheckEncoderCompatibility logs a warning when the active provider cannot
// produce vectors comparable with what the retrieval tier expects.
func CheckEncoderCompatibility(enc Encoder, cfg *Config, logger *zap.Logger) {
	info := enc.Info()
	if info.Dims != cfg.VecDim {
		logger.Warn("encoder dimension does not match configured vecDim; stored and query vectors may be incomparable",
			zap.Int("encoderDims", info.Dims), zap.Int("vecDim", cfg.VecDim))
	}
	if cfg.MaxVectorDim > 0 && info.Dims > cfg.MaxVectorDim {
		logger.Warn("encoder dimension exceeds maxVectorDim; vectors will cost more than the configured ceiling",
			zap.Int("encoderDims", info.Dims), zap.Int("maxVectorDim", cfg.MaxVectorDim))
	}
	if info.Provider != ProviderSynthetic && cfg.EncoderProvider == ProviderSynthetic {
		logger.Warn("retrieval tier expects synthetic vectors but a non-synthetic provider is active",
			zap.String("provider", info.Provider), zap.String("model", info.Model))
	}
}

// NewEncoderFromConfig resolves the configured provider.
func NewEncoderFromConfig(cfg *Config, logger *zap.Logger) Encoder {
	if cfg.Encoder != nil {
		return cfg.Encoder
	}
	switch cfg.EncoderProvider {
	case ProviderOpenAI:
		return WithFallback(NewOpenAIEncoder(cfg.OpenAIAPIKey,
			WithOpenAIModel(cfg.OpenAIModel),
			WithOpenAIBaseURL(cfg.OpenAIBaseURL),
			WithOpenAIDimension(cfg.VecDim)), logger)
	case ProviderOllama:
		return WithFallback(NewOllamaEncoder(cfg.OllamaModel, cfg.VecDim,
			WithOllamaHost(cfg.OllamaURL)), logger)
	default:
		return NewSyntheticEncoder(cfg.VecDim)
	}
}
