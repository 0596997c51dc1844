package openmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaEncoder generates vector embeddings via a local Ollama server.
// Implements Encoder. No API key required.
type OllamaEncoder struct {
	host      string
	model     string
	dimension int
	client    *http.Client
}

// OllamaOption configures an OllamaEncoder.
type OllamaOption func(*OllamaEncoder)

// WithOllamaHost sets the Ollama server URL (default: http://localhost:11434).
func WithOllamaHost(host string) OllamaOption {
	return func(e *OllamaEncoder) {
		if host != "" {
			e.host = host
		}
	}
}

// NewOllamaEncoder creates an embedding provider for a local Ollama instance.
// The model must be already pulled (e.g., "nomic-embed-text", "all-minilm").
// Dimension should match the model's output dimension.
func NewOllamaEncoder(model string, dimension int, opts ...OllamaOption) *OllamaEncoder {
	e := &OllamaEncoder{
		host:      "http://localhost:11434",
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OllamaEncoder) Info() EncoderInfo {
	return EncoderInfo{Provider: ProviderOllama, Model: e.model, Dims: e.dimension}
}

// Embed generates a vector for the given text after sector preprocessing.
func (e *OllamaEncoder) Embed(ctx context.Context, text string, sector Sector) ([]float32, error) {
	reqBody := ollamaEmbedRequest{
		Model: e.model,
		Input: sectorPreprocess(text, sector),
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.host+"/api/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, Errf(CodeUnavailable, "ollama embed: %v", err).WithRetryable()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		oe := Errf(CodeUnavailable, "ollama embed %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
		if resp.StatusCode >= 500 {
			oe = oe.WithRetryable()
		}
		return nil, oe
	}

	var ollamaResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(ollamaResp.Embeddings) == 0 || len(ollamaResp.Embeddings[0]) == 0 {
		return nil, Errf(CodeUnavailable, "ollama: empty embedding returned")
	}

	// Convert float64 response to float32 for compact storage
	vec := make([]float32, len(ollamaResp.Embeddings[0]))
	for i, v := range ollamaResp.Embeddings[0] {
		vec[i] = float32(v)
	}
	return vec, nil
}

// --- Ollama Embed API types ---

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}
