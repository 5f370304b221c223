package proxy

import (
	"context"
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
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/pkg/types"
)

// fakeManager is an in-memory ClientManager.
type fakeManager struct {
	mu       sync.Mutex
	statuses map[string]types.ServerStatus
	callErr  error
	calls    []string // "server/tool"
}

func newFakeManager() *fakeManager {
	return &fakeManager{statuses: map[string]types.ServerStatus{}}
}

func (f *fakeManager) Call(_ context.Context, server, tool string, _ map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, server+"/"+tool)
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return mcp.NewToolResultText("done"), nil
}

func (f *fakeManager) Connect(_ context.Context, cfg types.BackendConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[cfg.Name] = types.ServerStatus{Name: cfg.Name, Connected: true, Enabled: true}
	return nil
}

func (f *fakeManager) Disconnect(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, name)
	return nil
}

func (f *fakeManager) Statuses() []types.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.ServerStatus, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

func (f *fakeManager) Status(name string) (types.ServerStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[name]
	return st, ok
}

func (f *fakeManager) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.statuses[name]
	return ok
}

// fakeStore records persisted backend changes.
type fakeStore struct {
	mu       sync.Mutex
	backends map[string]types.BackendConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{backends: map[string]types.BackendConfig{}}
}

func (f *fakeStore) AddBackend(backend types.BackendConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.backends[backend.Name]; exists {
		return errs.New(errs.KindConfig, "backend %s already exists", backend.Name)
	}
	f.backends[backend.Name] = backend
	return nil
}

func (f *fakeStore) RemoveBackend(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.backends[name]; !exists {
		return errs.New(errs.KindConfig, "backend %s does not exist", name)
	}
	delete(f.backends, name)
	return nil
}

type testHarness struct {
	svc     *Service
	reg     *registry.Registry
	manager *fakeManager
	store   *fakeStore
}

func newHarness(t *testing.T, requireProvisioning bool, tools ...*model.Tool) *testHarness {
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
	manager := newFakeManager()
	store := newFakeStore()
	svc := NewService(&ServiceConfig{
		Registry:            reg,
		Manager:             manager,
		Discovery:           discovery.NewService(reg, embedding.NewHashEncoder(), logger),
		Gating:              gating.NewService(reg, gating.Limits{MaxTools: 10, MaxTokens: 2000}, logger),
		Store:               store,
		Metrics:             telemetry.NewNoopCustomMetrics(),
		Logger:              logger,
		RequireProvisioning: requireProvisioning,
	})
	return &testHarness{svc: svc, reg: reg, manager: manager, store: store}
}

func screenshotTool() *model.Tool {
	return &model.Tool{
		ID:              "puppeteer_screenshot",
		Server:          "puppeteer",
		Name:            "screenshot",
		Description:     "Take a screenshot of the current page",
		Tags:            []string{"browser", "screenshot"},
		EstimatedTokens: 120,
	}
}

// a tool whose bare name itself contains underscores
func underscoreTool() *model.Tool {
	return &model.Tool{
		ID:              "aws_ec2_create_sg",
		Server:          "aws",
		Name:            "ec2_create_sg",
		Description:     "Create an EC2 security group",
		EstimatedTokens: 150,
	}
}

func TestDiscoverReturnsQueryID(t *testing.T) {
	h := newHarness(t, false, screenshotTool())

	resp, err := h.svc.Discover(context.Background(), types.DiscoverRequest{Query: "take a screenshot"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.QueryID)
	assert.False(t, resp.Timestamp.IsZero())
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "puppeteer_screenshot", resp.Tools[0].ToolID)
}

func TestDiscoverEmptyRegistry(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.svc.Discover(context.Background(), types.DiscoverRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, resp.Tools)
}

func TestExecuteRoutesWithServerPrefixStripped(t *testing.T) {
	h := newHarness(t, false, underscoreTool())

	result, err := h.svc.Execute(context.Background(), "aws_ec2_create_sg", map[string]any{"name": "web"})
	require.NoError(t, err)
	require.NotNil(t, result)

	// the server prefix is "aws", so the tool name keeps its own underscores
	assert.Equal(t, []string{"aws/ec2_create_sg"}, h.manager.calls)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0]["type"])
}

func TestExecuteUnknownTool(t *testing.T) {
	h := newHarness(t, false, screenshotTool())

	_, err := h.svc.Execute(context.Background(), "nope_missing", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnknownTool))
}

func TestExecuteBackendErrorPropagates(t *testing.T) {
	h := newHarness(t, false, screenshotTool())
	h.manager.callErr = errs.New(errs.KindNotConnected, "backend puppeteer is not connected")

	_, err := h.svc.Execute(context.Background(), "puppeteer_screenshot", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotConnected))
}

func TestExecuteProvisioningEnforced(t *testing.T) {
	h := newHarness(t, true, screenshotTool())

	_, err := h.svc.Execute(context.Background(), "puppeteer_screenshot", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotProvisioned))

	// provisioning the tool unlocks execution
	_, err = h.svc.Provision(context.Background(), types.ProvisionRequest{
		ToolIDs: []string{"puppeteer_screenshot"},
	})
	require.NoError(t, err)

	_, err = h.svc.Execute(context.Background(), "puppeteer_screenshot", nil)
	assert.NoError(t, err)
}

func TestProvisionReplacesProvisionedSet(t *testing.T) {
	h := newHarness(t, true, screenshotTool(), underscoreTool())

	_, err := h.svc.Provision(context.Background(), types.ProvisionRequest{ToolIDs: []string{"puppeteer_screenshot"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"puppeteer_screenshot"}, h.svc.ProvisionedIDs())

	_, err = h.svc.Provision(context.Background(), types.ProvisionRequest{ToolIDs: []string{"aws_ec2_create_sg"}})
	require.NoError(t, err)

	_, err = h.svc.Execute(context.Background(), "puppeteer_screenshot", nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotProvisioned))
}

func TestProvisionAdvisoryWhenFlagOff(t *testing.T) {
	h := newHarness(t, false, screenshotTool())

	_, err := h.svc.Provision(context.Background(), types.ProvisionRequest{ToolIDs: []string{"puppeteer_screenshot"}})
	require.NoError(t, err)
	// with enforcement off, provisioning does not record a provisioned set
	assert.Empty(t, h.svc.ProvisionedIDs())
}

func TestProvisionBudget(t *testing.T) {
	tools := make([]*model.Tool, 0, 20)
	for i := 0; i < 20; i++ {
		tool := screenshotTool()
		tool.ID = rune20ID(i)
		tool.EstimatedTokens = 150
		tools = append(tools, tool)
	}
	h := newHarness(t, false, tools...)

	resp, err := h.svc.Provision(context.Background(), types.ProvisionRequest{ContextTokens: 500, MaxTools: 10})
	require.NoError(t, err)
	assert.Len(t, resp.Tools, 3)
	assert.Equal(t, 450, resp.Metadata.TotalTokens)
	assert.True(t, resp.Metadata.GatingApplied)
}

func rune20ID(i int) string {
	return "puppeteer_tool" + string(rune('a'+i))
}

func TestRegisterAndRemoveServer(t *testing.T) {
	h := newHarness(t, false)

	status, err := h.svc.RegisterServer(context.Background(), types.RegisterServerInput{
		Name: "context7",
		Config: types.BackendConfig{
			Transport: types.TransportStdio,
			Command:   "context7-mcp",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "context7", status.Name)
	assert.True(t, h.manager.Has("context7"))
	assert.Contains(t, h.store.backends, "context7")

	require.NoError(t, h.svc.RemoveServer("context7"))
	assert.False(t, h.manager.Has("context7"))
	assert.NotContains(t, h.store.backends, "context7")
}

func TestRegisterServerDuplicate(t *testing.T) {
	h := newHarness(t, false)

	input := types.RegisterServerInput{
		Name:   "context7",
		Config: types.BackendConfig{Transport: types.TransportStdio, Command: "context7-mcp"},
	}
	_, err := h.svc.RegisterServer(context.Background(), input)
	require.NoError(t, err)

	_, err = h.svc.RegisterServer(context.Background(), input)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestRemoveUnknownServer(t *testing.T) {
	h := newHarness(t, false)
	err := h.svc.RemoveServer("ghost")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnknownTool))
}

func TestToolInfo(t *testing.T) {
	h := newHarness(t, false, screenshotTool())

	info, err := h.svc.ToolInfo("puppeteer_screenshot", map[string]any{"name": "home"})
	require.NoError(t, err)
	assert.Equal(t, "puppeteer", info.Server)
	assert.Contains(t, info.ActionSummary, "home")
	assert.Equal(t, 120, info.EstimatedTokens)

	_, err = h.svc.ToolInfo("ghost_tool", nil)
	assert.True(t, errs.IsKind(err, errs.KindUnknownTool))
}

func TestExecuteFeedsRecency(t *testing.T) {
	h := newHarness(t, false, screenshotTool(), underscoreTool())

	_, err := h.svc.Execute(context.Background(), "aws_ec2_create_sg", nil)
	require.NoError(t, err)

	resp, err := h.svc.Provision(context.Background(), types.ProvisionRequest{MaxTools: 1})
	require.NoError(t, err)
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "aws_ec2_create_sg", resp.Tools[0].ToolID)
}
