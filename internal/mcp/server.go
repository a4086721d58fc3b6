// Package mcp exposes the context engine and experience store as Model
// Context Protocol tools, so editor assistants can query the same
// retrieval the workflow uses.
package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ternarybob/forge/pkg/contextengine"
	"github.com/ternarybob/forge/pkg/memory"
)

// Server wraps the retrieval components as MCP tools.
type Server struct {
	contexts    *contextengine.Engine
	experiences *memory.ExperienceStore
	extensions  []string
	server      *server.MCPServer
}

// NewServer creates an MCP server over the retrieval components.
func NewServer(contexts *contextengine.Engine, experiences *memory.ExperienceStore, extensions []string, version string) *Server {
	s := &Server{
		contexts:    contexts,
		experiences: experiences,
		extensions:  extensions,
	}

	mcpServer := server.NewMCPServer(
		"forge-retrieval",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.server = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("search_context",
			mcp.WithDescription("Build a ranked code-context window for a query from a project directory."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("What to look for (e.g., 'config loading', 'HTTP retry logic')"),
			),
			mcp.WithString("project_path",
				mcp.Required(),
				mcp.Description("Absolute path of the project to index"),
			),
		),
		s.handleSearchContext,
	)

	mcpServer.AddTool(
		mcp.NewTool("find_experience",
			mcp.WithDescription("Find stored outcomes of similar past tasks, including reusable code."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("The task to match against stored experiences"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of matches (default: 3)"),
			),
		),
		s.handleFindExperience,
	)
}

// handleSearchContext handles the search_context tool.
func (s *Server) handleSearchContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	projectPath := request.GetString("project_path", "")
	if projectPath == "" {
		return mcp.NewToolResultError("project_path parameter is required"), nil
	}

	window, err := s.contexts.GetContext(query, projectPath, s.extensions)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context build failed: %v", err)), nil
	}
	if window == "" {
		return mcp.NewToolResultText("No matching code found in the project."), nil
	}
	return mcp.NewToolResultText(window), nil
}

// handleFindExperience handles the find_experience tool.
func (s *Server) handleFindExperience(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	matches, err := s.experiences.FindSimilar(ctx, query, "", 0.0, request.GetInt("limit", 3))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("experience lookup failed: %v", err)), nil
	}
	if len(matches) == 0 {
		return mcp.NewToolResultText("No similar past tasks found."), nil
	}

	var sb strings.Builder
	sb.WriteString("## Similar past tasks\n\n")
	for i, m := range matches {
		sb.WriteString(fmt.Sprintf("### %d. %s (similarity %.2f, score %.2f)\n", i+1, m.Task, m.Similarity, m.OverallScore))
		if m.WhatWorked != "" {
			sb.WriteString("What worked: " + m.WhatWorked + "\n")
		}
		if m.Code != "" {
			sb.WriteString("```\n" + m.Code + "\n```\n")
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ServeStdio starts the MCP server on stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}
