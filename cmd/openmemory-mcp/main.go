// openmemory-mcp exposes openmemory as an MCP stdio server.
//
// Environment variables:
//
//	OPENMEMORY_DB_PATH     — SQLite database path (default: ./data/openmemory.db)
//	OPENMEMORY_CONFIG      — optional YAML config path (env vars win)
//	OPENMEMORY_ENC_KEY     — encryption passphrase for content at rest
//	OPENAI_API_KEY         — API key when the openai encoder is selected
//
// Usage:
//
//	go install github.com/lucivskvn/openmemory/cmd/openmemory-mcp
//	openmemory-mcp
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	openmemory "github.com/lucivskvn/openmemory"
)

func main() {
	var cfg openmemory.Config
	if path := os.Getenv("OPENMEMORY_CONFIG"); path != "" {
		loaded, err := openmemory.LoadConfig(path)
		if err != nil {
			log.Fatalf("openmemory-mcp: %v", err)
		}
		cfg = loaded
	}
	if v := os.Getenv("OPENMEMORY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPENMEMORY_ENC_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}

	engine, err := openmemory.Init(cfg)
	if err != nil {
		log.Fatalf("openmemory init: %v", err)
	}
	defer engine.Close()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "openmemory-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remember",
		Description: "Store a memory. Content is routed into cognitive sectors automatically unless a sector is given. Returns the memory ID.",
	}, rememberHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall",
		Description: "Search memories by semantic similarity with composite scoring. Supports sector, salience and time filters, plus waypoint activation.",
	}, recallHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reflect",
		Description: "Trigger reflective consolidation now: cluster similar recent memories into higher-order insights.",
	}, reflectHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "inspect",
		Description: "Load one memory by ID with decrypted content, salience and version.",
	}, inspectHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forget",
		Description: "Delete one memory by ID, or every memory for the tenant when wipe_all is set.",
	}, forgetHandler(engine))

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("openmemory-mcp: %v", err)
	}
}

// --- Input types ---

type rememberInput struct {
	Tenant   string   `json:"tenant,omitempty"   jsonschema:"Tenant/user ID. Empty selects the shared system bucket."`
	Content  string   `json:"content"            jsonschema:"The memory text to store"`
	Sector   string   `json:"sector,omitempty"   jsonschema:"Optional sector override: semantic, episodic, procedural, reflective, emotional, sensory, temporal, contextual"`
	Tags     []string `json:"tags,omitempty"     jsonschema:"Optional tags"`
	Salience float64  `json:"salience,omitempty" jsonschema:"Optional salience 0.0-1.0 (default 0.5)"`
}

type recallInput struct {
	Tenant      string   `json:"tenant,omitempty"       jsonschema:"Tenant/user ID. Empty selects the shared system bucket."`
	Query       string   `json:"query"                  jsonschema:"Search query"`
	Limit       int      `json:"limit,omitempty"        jsonschema:"Max results (default 10)"`
	Sectors     []string `json:"sectors,omitempty"      jsonschema:"Restrict to specific sectors"`
	MinSalience float64  `json:"min_salience,omitempty" jsonschema:"Drop results under this salience"`
	After       string   `json:"after,omitempty"        jsonschema:"Only memories created after this RFC3339 timestamp"`
	Before      string   `json:"before,omitempty"       jsonschema:"Only memories created before this RFC3339 timestamp"`
	Activate    bool     `json:"activate,omitempty"     jsonschema:"Spread activation over the waypoint graph"`
}

type reflectInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"Tenant/user ID. Empty selects the shared system bucket."`
}

type inspectInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"Tenant/user ID"`
	ID     string `json:"id"               jsonschema:"Memory ID"`
}

type forgetInput struct {
	Tenant  string `json:"tenant,omitempty"   jsonschema:"Tenant/user ID"`
	ID      string `json:"id,omitempty"       jsonschema:"Memory ID to delete"`
	WipeAll bool   `json:"wipe_all,omitempty" jsonschema:"Delete every memory in the tenant instead of one"`
}

func contextFor(tenant string) openmemory.SecurityContext {
	scope := openmemory.NormalizeTenantID(tenant)
	if scope.Tenant == nil {
		return openmemory.SecurityContext{}
	}
	return openmemory.TenantContext(*scope.Tenant)
}

// --- Handlers ---

func rememberHandler(engine *openmemory.Engine) func(context.Context, *mcp.CallToolRequest, rememberInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input rememberInput) (*mcp.CallToolResult, any, error) {
		mem, err := engine.Add(ctx, contextFor(input.Tenant), openmemory.AddRequest{
			Content:  input.Content,
			Sector:   openmemory.Sector(input.Sector),
			Tags:     input.Tags,
			Salience: input.Salience,
		})
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(jsonString(map[string]any{
			"memory_id": mem.ID,
			"sector":    mem.PrimarySector,
			"status":    "stored",
		})), nil, nil
	}
}

func recallHandler(engine *openmemory.Engine) func(context.Context, *mcp.CallToolRequest, recallInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input recallInput) (*mcp.CallToolResult, any, error) {
		filter := openmemory.SearchFilter{MinSalience: input.MinSalience}
		for _, s := range input.Sectors {
			filter.Sectors = append(filter.Sectors, openmemory.Sector(s))
		}
		if input.After != "" {
			t, err := time.Parse(time.RFC3339, input.After)
			if err != nil {
				return textResult(fmt.Sprintf("invalid 'after' timestamp: %v", err)), nil, nil
			}
			filter.StartTime = &t
		}
		if input.Before != "" {
			t, err := time.Parse(time.RFC3339, input.Before)
			if err != nil {
				return textResult(fmt.Sprintf("invalid 'before' timestamp: %v", err)), nil, nil
			}
			filter.EndTime = &t
		}

		matches, err := engine.Search(ctx, contextFor(input.Tenant), openmemory.SearchRequest{
			Query:    input.Query,
			K:        input.Limit,
			Filter:   filter,
			Activate: input.Activate,
		})
		if err != nil {
			return errorResult(err), nil, nil
		}
		out := make([]map[string]any, len(matches))
		for i, m := range matches {
			out[i] = matchToMap(m)
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func reflectHandler(engine *openmemory.Engine) func(context.Context, *mcp.CallToolRequest, reflectInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input reflectInput) (*mcp.CallToolResult, any, error) {
		created, err := engine.Reflect(ctx, contextFor(input.Tenant))
		if err != nil {
			return errorResult(err), nil, nil
		}
		if created == 0 {
			return textResult(`{"status": "no_new_insights", "message": "Not enough similar unconsolidated memories"}`), nil, nil
		}
		return textResult(jsonString(map[string]any{
			"status":   "reflected",
			"insights": created,
		})), nil, nil
	}
}

func inspectHandler(engine *openmemory.Engine) func(context.Context, *mcp.CallToolRequest, inspectInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input inspectInput) (*mcp.CallToolResult, any, error) {
		mem, err := engine.Get(contextFor(input.Tenant), input.ID)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(jsonString(memoryToMap(mem))), nil, nil
	}
}

func forgetHandler(engine *openmemory.Engine) func(context.Context, *mcp.CallToolRequest, forgetInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input forgetInput) (*mcp.CallToolResult, any, error) {
		sc := contextFor(input.Tenant)
		if input.WipeAll {
			n, err := engine.DeleteAll(sc, nil)
			if err != nil {
				return errorResult(err), nil, nil
			}
			return textResult(jsonString(map[string]any{"status": "wiped", "deleted": n})), nil, nil
		}
		if input.ID == "" {
			return textResult(`{"error": "provide id or set wipe_all"}`), nil, nil
		}
		if err := engine.Delete(sc, input.ID); err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(jsonString(map[string]any{"status": "deleted", "memory_id": input.ID})), nil, nil
	}
}

// --- Helpers ---

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return textResult(jsonString(map[string]any{
		"error":     err.Error(),
		"code":      openmemory.CodeOf(err),
		"retryable": openmemory.IsRetryable(err),
	}))
}

func memoryToMap(m openmemory.Memory) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"content":    m.Content,
		"sector":     m.PrimarySector,
		"tags":       m.Tags,
		"salience":   m.Salience,
		"version":    m.Version,
		"summary":    m.GeneratedSummary,
		"created_at": m.CreatedAt.Format(time.RFC3339),
		"last_seen":  m.LastSeenAt.Format(time.RFC3339),
	}
}

func matchToMap(m openmemory.SearchMatch) map[string]any {
	out := map[string]any{
		"id":        m.ID,
		"content":   m.Content,
		"score":     m.Score,
		"sector":    m.PrimarySector,
		"salience":  m.Salience,
		"version":   m.Version,
		"last_seen": m.LastSeenAt.Format(time.RFC3339),
	}
	if len(m.Path) > 1 {
		out["path"] = m.Path
	}
	return out
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
