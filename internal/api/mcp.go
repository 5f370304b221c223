package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/toolgate/toolgate/pkg/types"
	"github.com/toolgate/toolgate/pkg/version"
)

// buildMCPServer assembles the gateway's own MCP server: the fixed set of
// gateway tools an MCP client uses to discover, provision and execute the
// aggregated backend tools, plus server management.
func (s *Server) buildMCPServer() *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"ToolGate Gateway",
		version.GetVersion(),
		mcpserver.WithToolCapabilities(true),
	)

	srv.AddTool(mcp.NewTool(
		"discover_tools",
		mcp.WithDescription("Find backend tools relevant to a natural-language task description."),
		mcp.WithString("query", mcp.Required(), mcp.Description("What you want to accomplish")),
		mcp.WithString("context", mcp.Description("Additional task context")),
		mcp.WithArray("tags", mcp.Description("Restrict results to tools carrying any of these tags")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (1-50, default 10)")),
	), s.mcpDiscoverHandler)

	srv.AddTool(mcp.NewTool(
		"provision_tools",
		mcp.WithDescription("Select a budget-bounded set of tools to expose for the current task."),
		mcp.WithArray("tool_ids", mcp.Description("Explicit tool ids to provision")),
		mcp.WithNumber("max_tools", mcp.Description("Maximum number of tools to accept")),
		mcp.WithNumber("context_tokens", mcp.Description("Token budget for the accepted tools")),
	), s.mcpProvisionHandler)

	srv.AddTool(mcp.NewTool(
		"execute_tool",
		mcp.WithDescription("Execute a backend tool by its gateway id and return its result."),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("Tool id in <server>_<tool> form")),
		mcp.WithObject("arguments", mcp.Description("Arguments passed through to the tool")),
	), s.mcpExecuteHandler)

	srv.AddTool(mcp.NewTool(
		"register_mcp_server",
		mcp.WithDescription("Register a new backend MCP server with the gateway."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique backend name")),
		mcp.WithObject("config", mcp.Required(), mcp.Description("Backend config: transport plus command/args/env or url/headers")),
	), s.mcpRegisterServerHandler)

	srv.AddTool(mcp.NewTool(
		"list_mcp_servers",
		mcp.WithDescription("List all registered backend MCP servers and their status."),
	), s.mcpListServersHandler)

	srv.AddTool(mcp.NewTool(
		"remove_mcp_server",
		mcp.WithDescription("Remove a backend MCP server from the gateway."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Backend name to remove")),
	), s.mcpRemoveServerHandler)

	return srv
}

func (s *Server) mcpDiscoverHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	discoverReq := types.DiscoverRequest{
		Query:   argString(args, "query"),
		Context: argString(args, "context"),
		Tags:    argStringSlice(args, "tags"),
		Limit:   argInt(args, "limit"),
	}

	resp, err := s.proxy.Discover(ctx, discoverReq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonToolResult(resp)
}

func (s *Server) mcpProvisionHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	provisionReq := types.ProvisionRequest{
		ToolIDs:       argStringSlice(args, "tool_ids"),
		MaxTools:      argInt(args, "max_tools"),
		ContextTokens: argInt(args, "context_tokens"),
	}

	resp, err := s.proxy.Provision(ctx, provisionReq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonToolResult(resp)
}

func (s *Server) mcpExecuteHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	toolID := argString(args, "tool_id")
	if toolID == "" {
		return mcp.NewToolResultError("tool_id is required"), nil
	}

	var toolArgs map[string]any
	if v, ok := args["arguments"].(map[string]any); ok {
		toolArgs = v
	}

	result, err := s.proxy.Execute(ctx, toolID, toolArgs)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonToolResult(result)
}

func (s *Server) mcpRegisterServerHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	name := argString(args, "name")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	rawConfig, ok := args["config"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("config object is required"), nil
	}
	var backend types.BackendConfig
	serialized, err := json.Marshal(rawConfig)
	if err == nil {
		err = json.Unmarshal(serialized, &backend)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid config: %v", err)), nil
	}

	status, err := s.proxy.RegisterServer(ctx, types.RegisterServerInput{Name: name, Config: backend})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonToolResult(status)
}

func (s *Server) mcpListServersHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonToolResult(s.proxy.ListServers())
}

func (s *Server) mcpRemoveServerHandler(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := argString(req.GetArguments(), "name")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}
	if err := s.proxy.RemoveServer(name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("server %s removed", name)), nil
}

// jsonToolResult marshals a response object into a text tool result.
func jsonToolResult(v any) (*mcp.CallToolResult, error) {
	serialized, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(serialized)), nil
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
