// Package mcp exposes the sync engine over the Model Context Protocol so
// agent tooling can trigger and inspect syncs without going through HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fieldline/taskbridge/internal/jira"
	"github.com/fieldline/taskbridge/internal/store"
	"github.com/fieldline/taskbridge/internal/types"
)

// Syncer is the orchestrator surface the MCP tools drive.
type Syncer interface {
	Pass(ctx context.Context, integrationID string, opts types.PassOptions, resetFailed bool) (*types.PassResult, error)
	Status(ctx context.Context, integrationID string) (*types.SyncStatus, error)
	TestConnection(ctx context.Context, creds jira.Credentials) (bool, error)
}

// Server wraps the sync engine and exposes it as MCP tools.
type Server struct {
	store   store.Store
	syncer  Syncer
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, sy Syncer, version string) *Server {
	return &Server{store: s, syncer: sy, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("taskbridge", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listIntegrationsTool())
	srv.AddTool(s.syncTriggerTool())
	srv.AddTool(s.syncStatusTool())
	srv.AddTool(s.connectionTestTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// taskbridge_list_integrations
func (s *Server) listIntegrationsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskbridge_list_integrations",
		mcp.WithDescription("List active tracker integrations. Returns a JSON array with id, workspace, project, and project key."),
	)
	return tool, s.handleListIntegrations
}

func (s *Server) handleListIntegrations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	integrations, err := s.store.ListActiveIntegrations(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list integrations: %v", err)), nil
	}

	type integrationOut struct {
		ID          string `json:"id"`
		WorkspaceID string `json:"workspaceId"`
		ProjectID   string `json:"projectId"`
		ProjectKey  string `json:"projectKey"`
		Domain      string `json:"domain"`
	}

	out := make([]integrationOut, len(integrations))
	for i, integ := range integrations {
		out[i] = integrationOut{
			ID:          integ.ID,
			WorkspaceID: integ.WorkspaceID,
			ProjectID:   integ.ProjectID,
			ProjectKey:  integ.ProjectKey,
			Domain:      integ.Domain,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal integrations: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// taskbridge_sync_trigger
func (s *Server) syncTriggerTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskbridge_sync_trigger",
		mcp.WithDescription("Run one bidirectional sync pass for an integration. Returns push/pull counts, conflicts, and per-task errors."),
		mcp.WithString("integration_id", mcp.Required(), mcp.Description("Integration ID")),
		mcp.WithString("policy", mcp.Description("Conflict resolution policy: manual, localWins, remoteWins, or mostRecentWins. Defaults to mostRecentWins.")),
		mcp.WithBoolean("reset_failed", mcp.Description("Reset previously failed ledger entries so they are retried")),
	)
	return tool, s.handleSyncTrigger
}

func (s *Server) handleSyncTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	integrationID, err := request.RequireString("integration_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: integration_id"), nil
	}

	opts := types.DefaultPassOptions()
	if policy := request.GetString("policy", ""); policy != "" {
		p := types.ResolutionPolicy(policy)
		if !p.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown policy: %s", policy)), nil
		}
		opts.ResolveConflicts = p
	}
	resetFailed := request.GetBool("reset_failed", false)

	result, err := s.syncer.Pass(ctx, integrationID, opts, resetFailed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync pass failed: %v", err)), nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal pass result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// taskbridge_sync_status
func (s *Server) syncStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskbridge_sync_status",
		mcp.WithDescription("Get sync health for an integration: ledger outcome counts, last pass time, and pending conflicts."),
		mcp.WithString("integration_id", mcp.Required(), mcp.Description("Integration ID")),
	)
	return tool, s.handleSyncStatus
}

func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	integrationID, err := request.RequireString("integration_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: integration_id"), nil
	}

	status, err := s.syncer.Status(ctx, integrationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// taskbridge_connection_test
func (s *Server) connectionTestTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskbridge_connection_test",
		mcp.WithDescription("Validate Jira credentials without persisting anything."),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Jira site, either a bare name or a full host")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Account email")),
		mcp.WithString("api_token", mcp.Required(), mcp.Description("API token")),
	)
	return tool, s.handleConnectionTest
}

func (s *Server) handleConnectionTest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domain, err := request.RequireString("domain")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: domain"), nil
	}
	email, err := request.RequireString("email")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: email"), nil
	}
	token, err := request.RequireString("api_token")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: api_token"), nil
	}

	ok, err := s.syncer.TestConnection(ctx, jira.Credentials{Domain: domain, Email: email, APIToken: token})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connection test failed: %v", err)), nil
	}

	out := map[string]any{"success": ok}
	if !ok {
		out["message"] = "authentication failed"
	}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}
