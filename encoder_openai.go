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

// OpenAIEncoder generates vector embeddings via the OpenAI embeddings API
// (or any compatible endpoint). Implements Encoder.
type OpenAIEncoder struct {
	apiKey    string
	model     string
	dimension int
	baseURL   string
	client    *http.Client
}

// OpenAIOption configures an OpenAIEncoder.
type OpenAIOption func(*OpenAIEncoder)

// WithOpenAIModel sets the embedding model (default: text-embedding-3-small).
func WithOpenAIModel(model string) OpenAIOption {
	return func(e *OpenAIEncoder) {
		if model != "" {
			e.model = model
		}
	}
}

// WithOpenAIDimension sets the output embedding dimension (default: 1536).
func WithOpenAIDimension(dim int) OpenAIOption {
	return func(e *OpenAIEncoder) {
		if dim > 0 {
			e.dimension = dim
		}
	}
}

// WithOpenAIBaseURL sets the API base URL (default: https://api.openai.com).
// Useful for Azure OpenAI, proxies, or compatible APIs.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(e *OpenAIEncoder) {
		if url != "" {
			e.baseURL = url
		}
	}
}

// NewOpenAIEncoder creates an embedding provider for OpenAI's embedding models.
func NewOpenAIEncoder(apiKey string, opts ...OpenAIOption) *OpenAIEncoder {
	e := &OpenAIEncoder{
		apiKey:    apiKey,
		model:     "text-embedding-3-small",
		dimension: 1536,
		baseURL:   "https://api.openai.com",
		client:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OpenAIEncoder) Info() EncoderInfo {
	return EncoderInfo{Provider: ProviderOpenAI, Model: e.model, Dims: e.dimension}
}

// Embed generates a vector for the given text after sector preprocessing.
func (e *OpenAIEncoder) Embed(ctx context.Context, text string, sector Sector) ([]float32, error) {
	if e.apiKey == "" {
		return nil, Errf(CodeUnavailable, "openai: no API key")
	}

	reqBody := openAIEmbedRequest{
		Input:      sectorPreprocess(text, sector),
		Model:      e.model,
		Dimensions: e.dimension,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/v1/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, Errf(CodeUnavailable, "openai embed: %v", err).WithRetryable()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		oe := Errf(CodeUnavailable, "openai embed %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			oe = oe.WithRetryable()
		}
		return nil, oe
	}

	var oaiResp openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(oaiResp.Data) == 0 || len(oaiResp.Data[0].Embedding) == 0 {
		return nil, Errf(CodeUnavailable, "openai: empty embedding returned")
	}

	// Convert float64 response to float32 for compact storage
	vec := make([]float32, len(oaiResp.Data[0].Embedding))
	for i, v := range oaiResp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// --- OpenAI Embed API types ---

type openAIEmbedRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

type openAIEmbedResponse struct {
	Data []openAIEmbedData `json:"data"`
}

type openAIEmbedData struct {
	Embedding []float64 `json:"embedding"`
}
