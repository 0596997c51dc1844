package openmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Generator produces short prose from a prompt. Reflection and the user
// summary worker use it best-effort: every caller has a deterministic
// fallback, so a failing generator degrades quality, never correctness.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ChatGenerator talks to an OpenAI-compatible /chat/completions endpoint.
type ChatGenerator struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// ChatOption configures a ChatGenerator.
type ChatOption func(*ChatGenerator)

// WithChatAPIKey sets the bearer token.
func WithChatAPIKey(key string) ChatOption {
	return func(g *ChatGenerator) { g.apiKey = key }
}

// WithChatHTTPClient overrides the HTTP client.
func WithChatHTTPClient(c *http.Client) ChatOption {
	return func(g *ChatGenerator) { g.client = c }
}

// NewChatGenerator builds a generator against baseURL (e.g. an Ollama or
// OpenAI endpoint exposing the chat completions API).
func NewChatGenerator(baseURL, model string, opts ...ChatOption) *ChatGenerator {
	g := &ChatGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends one user message and returns the first choice's content.
func (g *ChatGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", WrapErr(CodeUnavailable, "generator request", err).WithRetryable()
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", WrapErr(CodeUnavailable, "generator decode", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if out.Error != nil {
			msg = out.Error.Message
		}
		e := Errf(CodeUnavailable, "generator: %s", msg)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			e = e.WithRetryable()
		}
		return "", e
	}
	if len(out.Choices) == 0 {
		return "", Errf(CodeUnavailable, "generator: empty response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// NewGeneratorFromConfig returns the configured generator, or nil when no
// endpoint is set. Callers treat nil as "use the deterministic fallback".
func NewGeneratorFromConfig(cfg Config) Generator {
	if cfg.Generator != nil {
		return cfg.Generator
	}
	if cfg.GeneratorURL == "" {
		return nil
	}
	model := cfg.GeneratorModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	var opts []ChatOption
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, WithChatAPIKey(cfg.OpenAIAPIKey))
	}
	return NewChatGenerator(cfg.GeneratorURL, model, opts...)
}

// reflectionPromptMaxChars caps the memory snippet block sent to the
// generator so prompts stay bounded regardless of cluster size.
const reflectionPromptMaxChars = 3000

// ReflectionPrompt renders the synthesis prompt for one memory cluster.
func ReflectionPrompt(sector Sector, contents []string) string {
	var snippets strings.Builder
	for i, c := range contents {
		fmt.Fprintf(&snippets, "%d. %s\n", i+1, c)
	}
	block := snippets.String()
	if runes := []rune(block); len(runes) > reflectionPromptMaxChars {
		block = string(runes[:reflectionPromptMaxChars])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize one concise insight (max 2 sentences) from these %d related %s memories:\n", len(contents), sector)
	b.WriteString(block)
	return b.String()
}

// UserSummaryPrompt renders the profile synthesis prompt.
func UserSummaryPrompt(contents []string) string {
	var b strings.Builder
	b.WriteString("Write a short third-person profile (max 3 sentences) of this user based on their recent memories:\n")
	for _, c := range contents {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}
