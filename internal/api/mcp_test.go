package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/recall/internal/search"
	"github.com/kalambet/recall/internal/store"
)

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func TestMCPSearchRecords(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	seedRecord(t, env.store, store.Record{
		ID:        "cache-policy",
		Type:      "decisions",
		Title:     "Cache eviction policy",
		Body:      "Entries leave the cache after thirty days.",
		Embedding: []float32{1, 0, 0},
	})
	handler := mcpSearchRecords(MCPDeps{Engine: env.engine})

	res, err := handler(context.Background(), makeCallToolRequest("search_records", map[string]any{
		"query": "cache",
		"mode":  "keyword",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", toolText(t, res))
	}
	var resp search.Response
	if err := json.Unmarshal([]byte(toolText(t, res)), &resp); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	if resp.Mode != search.ModeKeyword {
		t.Errorf("mode = %q, want keyword", resp.Mode)
	}
	if len(resp.Results) != 1 || resp.Results[0].Record.ID != "cache-policy" {
		t.Errorf("results = %+v, want the cache record", resp.Results)
	}

	// Type filters narrow the search.
	res, err = handler(context.Background(), makeCallToolRequest("search_records", map[string]any{
		"query": "cache",
		"types": []any{"notes"},
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if err := json.Unmarshal([]byte(toolText(t, res)), &resp); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("notes results = %+v, want none", resp.Results)
	}

	res, err = handler(context.Background(), makeCallToolRequest("search_records", map[string]any{}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError || toolText(t, res) != "query is required" {
		t.Errorf("missing query result = %s", toolText(t, res))
	}

	res, err = handler(context.Background(), makeCallToolRequest("search_records", map[string]any{
		"query": "cache",
		"mode":  "nope",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError || !strings.Contains(toolText(t, res), "unknown search mode") {
		t.Errorf("bad mode result = %s", toolText(t, res))
	}
}

func TestMCPSimilarRecords(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	seedRecord(t, env.store, store.Record{
		ID:        "cache-policy",
		Type:      "decisions",
		Title:     "Cache eviction policy",
		Body:      "Entries age out.",
		Embedding: []float32{1, 0, 0},
	})
	seedRecord(t, env.store, store.Record{
		ID:        "cache-tuning",
		Type:      "decisions",
		Title:     "Cache size tuning",
		Body:      "Bigger is not always faster.",
		Embedding: []float32{0.9, 0.1, 0},
	})
	handler := mcpSimilarRecords(MCPDeps{Engine: env.engine})

	res, err := handler(context.Background(), makeCallToolRequest("similar_records", map[string]any{
		"type": "decisions",
		"id":   "cache-policy",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", toolText(t, res))
	}
	var resp search.Response
	if err := json.Unmarshal([]byte(toolText(t, res)), &resp); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	if resp.Mode != search.ModeSemantic {
		t.Errorf("mode = %q, want semantic", resp.Mode)
	}
	if len(resp.Results) != 1 || resp.Results[0].Record.ID != "cache-tuning" {
		t.Errorf("results = %+v, want only the tuning record", resp.Results)
	}

	// A threshold above the neighbor's similarity empties the result.
	res, err = handler(context.Background(), makeCallToolRequest("similar_records", map[string]any{
		"type":      "decisions",
		"id":        "cache-policy",
		"threshold": 0.999,
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if err := json.Unmarshal([]byte(toolText(t, res)), &resp); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results above threshold = %+v, want none", resp.Results)
	}

	res, err = handler(context.Background(), makeCallToolRequest("similar_records", map[string]any{
		"id": "cache-policy",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError || toolText(t, res) != "type is required" {
		t.Errorf("missing type result = %s", toolText(t, res))
	}

	res, err = handler(context.Background(), makeCallToolRequest("similar_records", map[string]any{
		"type": "decisions",
		"id":   "ghost",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError || !strings.Contains(toolText(t, res), "similarity search failed") {
		t.Errorf("unknown record result = %s", toolText(t, res))
	}
}
