package client

import (
	"net/http"

	"github.com/toolgate/toolgate/pkg/types"
)

// ListServers returns the status of every backend registered in the gateway.
func (c *Client) ListServers() ([]types.ServerStatus, error) {
	u, err := c.constructAPIEndpoint("/mcp/servers")
	if err != nil {
		return nil, err
	}
	var statuses []types.ServerStatus
	if err := c.do(http.MethodGet, u, nil, &statuses, http.StatusOK); err != nil {
		return nil, err
	}
	return statuses, nil
}

// RegisterServer registers a new backend MCP server with the gateway.
func (c *Client) RegisterServer(input *types.RegisterServerInput) (*types.ServerStatus, error) {
	u, err := c.constructAPIEndpoint("/mcp/servers")
	if err != nil {
		return nil, err
	}
	var status types.ServerStatus
	if err := c.do(http.MethodPost, u, input, &status, http.StatusCreated); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveServer removes a backend MCP server from the gateway.
func (c *Client) RemoveServer(name string) error {
	u, err := c.constructAPIEndpoint("/mcp/servers/" + name)
	if err != nil {
		return err
	}
	return c.do(http.MethodDelete, u, nil, nil, http.StatusNoContent)
}

// DiscoverTools ranks the gateway's tool catalog against a query.
func (c *Client) DiscoverTools(req *types.DiscoverRequest) (*types.DiscoverResponse, error) {
	u, err := c.constructAPIEndpoint("/tools/discover")
	if err != nil {
		return nil, err
	}
	var resp types.DiscoverResponse
	if err := c.do(http.MethodPost, u, req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProvisionTools selects a budget-bounded set of tools.
func (c *Client) ProvisionTools(req *types.ProvisionRequest) (*types.ProvisionResponse, error) {
	u, err := c.constructAPIEndpoint("/tools/provision")
	if err != nil {
		return nil, err
	}
	var resp types.ProvisionResponse
	if err := c.do(http.MethodPost, u, req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteTool runs a backend tool through the gateway.
func (c *Client) ExecuteTool(toolID string, arguments map[string]any) (*types.ToolInvokeResult, error) {
	u, err := c.constructAPIEndpoint("/proxy/execute")
	if err != nil {
		return nil, err
	}
	var resp types.ExecuteResponse
	req := types.ExecuteRequest{ToolID: toolID, Arguments: arguments}
	if err := c.do(http.MethodPost, u, req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ToolInfo describes a tool and what executing it would do.
func (c *Client) ToolInfo(toolID string) (*types.ToolInfo, error) {
	u, err := c.constructAPIEndpoint("/proxy/tool/" + toolID)
	if err != nil {
		return nil, err
	}
	var info types.ToolInfo
	if err := c.do(http.MethodGet, u, nil, &info, http.StatusOK); err != nil {
		return nil, err
	}
	return &info, nil
}
