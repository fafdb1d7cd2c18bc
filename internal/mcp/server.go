// Package mcp exposes a read-only MCP tool surface over the run store so
// agent clients can query CI state without going through the REST API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"runboard/internal/repository"
)

type Server struct {
	mcpServer *server.MCPServer
	store     repository.RunStore
}

func NewServer(store repository.RunStore) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Runboard",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		store: store,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_runs",
			mcp.WithDescription("List workflow runs, grouped by repository"),
			mcp.WithString("search", mcp.Description("Literal substring matched against repository names")),
			mcp.WithNumber("page", mcp.Description("Page number, starting at 1")),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Fetch one workflow run with its jobs"),
			mcp.WithNumber("run_id", mcp.Required(), mcp.Description("The run's id")),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_stats",
			mcp.WithDescription("Aggregate statistics over all ingested runs"),
		),
		s.handleRunStats,
	)
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	filter := repository.RunFilter{}
	if search, ok := args["search"].(string); ok {
		if len(search) > 100 {
			return mcp.NewToolResultError("search strings are capped at 100 characters"), nil
		}
		filter.RepoSearch = search
	}
	page := 1
	if p, ok := args["page"].(float64); ok && p >= 1 {
		page = int(p)
	}

	runs, total, err := s.store.QueryPage(ctx, filter, page, 20)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{
		"runs":               runs,
		"total_repositories": total,
	})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["run_id"].(float64)
	if !ok || id <= 0 {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}

	run, err := s.store.FindByRunID(ctx, int64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(run)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute stats: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(stats)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
