package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/embedding"
	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/internal/model"
	"github.com/toolgate/toolgate/internal/registry"
	"github.com/toolgate/toolgate/internal/service/discovery"
	"github.com/toolgate/toolgate/internal/service/gating"
	"github.com/toolgate/toolgate/internal/service/proxy"
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/pkg/types"
)

// stubManager implements proxy.ClientManager for handler tests.
type stubManager struct {
	mu       sync.Mutex
	statuses map[string]types.ServerStatus
	callErr  error
}

func newStubManager() *stubManager {
	return &stubManager{statuses: map[string]types.ServerStatus{}}
}

func (f *stubManager) Call(context.Context, string, string, map[string]any) (*mcp.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return mcp.NewToolResultText("executed"), nil
}

func (f *stubManager) Connect(_ context.Context, cfg types.BackendConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[cfg.Name] = types.ServerStatus{Name: cfg.Name, Connected: true, Enabled: true, ToolCount: 1}
	return nil
}

func (f *stubManager) Disconnect(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, name)
	return nil
}

func (f *stubManager) Statuses() []types.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.ServerStatus, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

func (f *stubManager) Status(name string) (types.ServerStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[name]
	return st, ok
}

func (f *stubManager) Has(name string) bool {
	_, ok := f.Status(name)
	return ok
}

type stubStore struct {
	mu       sync.Mutex
	backends map[string]types.BackendConfig
}

func (f *stubStore) AddBackend(b types.BackendConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[b.Name] = b
	return nil
}

func (f *stubStore) RemoveBackend(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backends, name)
	return nil
}

func newTestServer(t *testing.T, tools ...*model.Tool) (*Server, *stubManager) {
	t.Helper()
	reg := registry.New()
	byServer := map[string][]*model.Tool{}
	for _, tool := range tools {
		byServer[tool.Server] = append(byServer[tool.Server], tool)
	}
	for server, serverTools := range byServer {
		reg.ReplaceServer(server, serverTools)
	}

	logger := zap.NewNop()
	manager := newStubManager()
	proxySvc := proxy.NewService(&proxy.ServiceConfig{
		Registry:  reg,
		Manager:   manager,
		Discovery: discovery.NewService(reg, embedding.NewHashEncoder(), logger),
		Gating:    gating.NewService(reg, gating.Limits{MaxTools: 10, MaxTokens: 2000}, logger),
		Store:     &stubStore{backends: map[string]types.BackendConfig{}},
		Metrics:   telemetry.NewNoopCustomMetrics(),
		Logger:    logger,
	})

	srv, err := NewServer(&ServerOptions{
		Host:   "127.0.0.1",
		Port:   0,
		Proxy:  proxySvc,
		Logger: logger,
	})
	require.NoError(t, err)
	return srv, manager
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func screenshotTool() *model.Tool {
	return &model.Tool{
		ID:              "puppeteer_screenshot",
		Server:          "puppeteer",
		Name:            "screenshot",
		Description:     "Take a screenshot of the current page",
		Tags:            []string{"browser", "screenshot"},
		EstimatedTokens: 150,
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Version)
}

func TestDiscoverEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, screenshotTool())

	w := doJSON(t, srv, http.MethodPost, "/api/tools/discover", types.DiscoverRequest{
		Query: "take a screenshot",
		Limit: 3,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.DiscoverResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "puppeteer_screenshot", resp.Tools[0].ToolID)
	assert.Greater(t, resp.Tools[0].Score, 0.5)
	assert.NotEmpty(t, resp.QueryID)
}

func TestDiscoverEmptyRegistryReturnsEmptyList(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/tools/discover", types.DiscoverRequest{Query: "anything"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.DiscoverResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Tools)
	assert.Empty(t, resp.Tools)
}

func TestDiscoverEmptyQueryIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, screenshotTool())

	w := doJSON(t, srv, http.MethodPost, "/api/tools/discover", types.DiscoverRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestProvisionEndpoint(t *testing.T) {
	tools := make([]*model.Tool, 0, 20)
	for i := 0; i < 20; i++ {
		tool := screenshotTool()
		tool.ID = "puppeteer_tool" + string(rune('a'+i))
		tools = append(tools, tool)
	}
	srv, _ := newTestServer(t, tools...)

	w := doJSON(t, srv, http.MethodPost, "/api/tools/provision", types.ProvisionRequest{
		ContextTokens: 500,
		MaxTools:      10,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.ProvisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tools, 3) // 3 x 150 = 450 <= 500
	assert.Equal(t, 450, resp.Metadata.TotalTokens)
	assert.True(t, resp.Metadata.GatingApplied)
}

func TestExecuteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, screenshotTool())

	w := doJSON(t, srv, http.MethodPost, "/api/proxy/execute", types.ExecuteRequest{
		ToolID:    "puppeteer_screenshot",
		Arguments: map[string]any{"name": "home"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Content, 1)
}

func TestExecuteUnknownToolIs400(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/proxy/execute", types.ExecuteRequest{ToolID: "ghost_tool"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not in the registry")
}

func TestExecuteNotConnectedIs503(t *testing.T) {
	srv, manager := newTestServer(t, screenshotTool())
	manager.callErr = errs.New(errs.KindNotConnected, "backend puppeteer is not connected")

	w := doJSON(t, srv, http.MethodPost, "/api/proxy/execute", types.ExecuteRequest{ToolID: "puppeteer_screenshot"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not connected")
}

func TestExecuteTimeoutIs504(t *testing.T) {
	srv, manager := newTestServer(t, screenshotTool())
	manager.callErr = errs.New(errs.KindTimeout, "deadline exceeded")

	w := doJSON(t, srv, http.MethodPost, "/api/proxy/execute", types.ExecuteRequest{ToolID: "puppeteer_screenshot"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestExecuteToolErrorIs502(t *testing.T) {
	srv, manager := newTestServer(t, screenshotTool())
	manager.callErr = errs.New(errs.KindTool, "backend exploded")

	w := doJSON(t, srv, http.MethodPost, "/api/proxy/execute", types.ExecuteRequest{ToolID: "puppeteer_screenshot"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "backend exploded")
}

func TestServerCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	// initially empty
	w := doJSON(t, srv, http.MethodGet, "/api/mcp/servers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	// register
	input := types.RegisterServerInput{
		Name:   "context7",
		Config: types.BackendConfig{Transport: types.TransportStdio, Command: "context7-mcp"},
	}
	w = doJSON(t, srv, http.MethodPost, "/api/mcp/servers", input)
	require.Equal(t, http.StatusCreated, w.Code)

	// duplicate registration conflicts
	w = doJSON(t, srv, http.MethodPost, "/api/mcp/servers", input)
	assert.Equal(t, http.StatusConflict, w.Code)

	// listed
	w = doJSON(t, srv, http.MethodGet, "/api/mcp/servers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses []types.ServerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "context7", statuses[0].Name)

	// remove
	w = doJSON(t, srv, http.MethodDelete, "/api/mcp/servers/context7", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// removing again is a 404
	w = doJSON(t, srv, http.MethodDelete, "/api/mcp/servers/context7", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterServerInvalidConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/mcp/servers", types.RegisterServerInput{
		Name:   "broken",
		Config: types.BackendConfig{Transport: types.TransportStdio}, // missing command
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToolInfoEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, screenshotTool())

	w := doJSON(t, srv, http.MethodGet, "/api/proxy/tool/puppeteer_screenshot", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info types.ToolInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "puppeteer", info.Server)

	w = doJSON(t, srv, http.MethodGet, "/api/proxy/tool/ghost_tool", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
