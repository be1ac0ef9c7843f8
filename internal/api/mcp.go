package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/recall/internal/search"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine *search.Engine
}

// NewMCPServer creates an MCP server exposing the search surface as agent
// tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"recall",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("recall — hybrid semantic and keyword search over engineering decisions, patterns, and notes."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_records",
			mcp.WithDescription("Search stored records with hybrid semantic and keyword ranking."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Search mode: semantic, keyword, or hybrid (default hybrid)")),
			mcp.WithArray("types", mcp.Description("Content types to search: decisions, patterns, notes (default all)")),
			mcp.WithString("project_id", mcp.Description("Restrict results to one project")),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("similar_records",
			mcp.WithDescription("Find records similar to an existing record."),
			mcp.WithString("type", mcp.Description("Content type of the reference record"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Reference record id"), mcp.Required()),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithNumber("threshold", mcp.Description("Minimum similarity score in [0, 1] (default 0.7)")),
		),
		mcpSimilarRecords(deps),
	)

	return s
}

func mcpSearchRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		mode := search.Mode(req.GetString("mode", string(search.ModeHybrid)))
		switch mode {
		case search.ModeSemantic, search.ModeKeyword, search.ModeHybrid:
		default:
			return mcpError(fmt.Sprintf("unknown search mode %q", mode)), nil
		}

		resp, err := runSearch(ctx, deps.Engine, mode, search.Request{
			Query:      query,
			Types:      req.GetStringSlice("types", nil),
			ProjectID:  req.GetString("project_id", ""),
			MaxResults: req.GetInt("max_results", 10),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSimilarRecords(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		contentType, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		opts := search.SimilarOptions{MaxResults: req.GetInt("max_results", 10)}
		if th := req.GetFloat("threshold", -1); th >= 0 {
			opts.Threshold = &th
		}
		resp, err := deps.Engine.Similar(ctx, contentType, id, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("similarity search failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
