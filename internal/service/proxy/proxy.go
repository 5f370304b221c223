// Package proxy is the gateway's core orchestration service: it fronts
// discovery and gating, validates and routes tool execution to the owning
// backend, and manages the desired backend set. Both gateway faces (REST
// and MCP) terminate here; neither contains business logic of its own.
package proxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/internal/model"
	"github.com/toolgate/toolgate/internal/registry"
	"github.com/toolgate/toolgate/internal/service/discovery"
	"github.com/toolgate/toolgate/internal/service/gating"
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/pkg/types"
)

// ClientManager is the slice of the upstream manager the proxy needs.
type ClientManager interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
	Connect(ctx context.Context, cfg types.BackendConfig) error
	Disconnect(name string) error
	Statuses() []types.ServerStatus
	Status(name string) (types.ServerStatus, bool)
	Has(name string) bool
}

// ConfigStore persists changes to the desired backend set.
type ConfigStore interface {
	AddBackend(backend types.BackendConfig) error
	RemoveBackend(name string) error
}

// ServiceConfig holds the collaborators of the proxy service.
type ServiceConfig struct {
	Registry  *registry.Registry
	Manager   ClientManager
	Discovery *discovery.Service
	Gating    *gating.Service
	Store     ConfigStore
	Metrics   telemetry.CustomMetrics
	Logger    *zap.Logger

	// RequireProvisioning gates execute_tool on the provisioned set.
	RequireProvisioning bool
}

// Service implements the gateway's public operations.
type Service struct {
	registry  *registry.Registry
	manager   ClientManager
	discovery *discovery.Service
	gating    *gating.Service
	store     ConfigStore
	metrics   telemetry.CustomMetrics
	logger    *zap.Logger

	requireProvisioning bool

	mu          sync.Mutex
	provisioned map[string]bool
}

// NewService creates the proxy service.
func NewService(c *ServiceConfig) *Service {
	return &Service{
		registry:            c.Registry,
		manager:             c.Manager,
		discovery:           c.Discovery,
		gating:              c.Gating,
		store:               c.Store,
		metrics:             c.Metrics,
		logger:              c.Logger,
		requireProvisioning: c.RequireProvisioning,
		provisioned:         make(map[string]bool),
	}
}

// Discover runs a discovery query and wraps the matches in the API shape.
func (s *Service) Discover(ctx context.Context, req types.DiscoverRequest) (*types.DiscoverResponse, error) {
	matches, err := s.discovery.Find(ctx, req.Query, req.Context, normalizeTags(req.Tags), req.Limit)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDiscovery(ctx, len(matches))
	return &types.DiscoverResponse{
		Tools:     matches,
		QueryID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Provision selects tools under the budget. When provisioning enforcement
// is on, the accepted set becomes the client's provisioned set.
func (s *Service) Provision(_ context.Context, req types.ProvisionRequest) (*types.ProvisionResponse, error) {
	tools, meta, err := s.gating.Select(req.ToolIDs, req.MaxTools, req.ContextTokens)
	if err != nil {
		return nil, err
	}

	if s.requireProvisioning {
		s.mu.Lock()
		s.provisioned = make(map[string]bool, len(tools))
		for _, tool := range tools {
			s.provisioned[tool.ToolID] = true
		}
		s.mu.Unlock()
	}

	return &types.ProvisionResponse{Tools: tools, Metadata: meta}, nil
}

// Execute routes a tool call to its owning backend and returns the result
// unchanged. The tool name is recovered by stripping the owning server's
// prefix from the id, so tool names containing underscores resolve
// correctly.
func (s *Service) Execute(ctx context.Context, toolID string, args map[string]any) (*types.ToolInvokeResult, error) {
	tool := s.registry.Get(toolID)
	if tool == nil {
		return nil, errs.New(errs.KindUnknownTool, "tool %s is not in the registry", toolID)
	}

	if s.requireProvisioning && !s.isProvisioned(toolID) {
		return nil, errs.New(errs.KindNotProvisioned,
			"tool %s is not provisioned; call provision_tools first", toolID)
	}

	toolName := strings.TrimPrefix(tool.ID, tool.Server+"_")

	result, err := s.manager.Call(ctx, tool.Server, toolName, args)
	if err != nil {
		return nil, err
	}

	s.gating.RecordUse(toolID)

	converted, err := convertCallResult(result)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "failed to convert result of %s", toolID)
	}
	return converted, nil
}

// ToolInfo describes a tool and what executing it would do.
func (s *Service) ToolInfo(toolID string, args map[string]any) (*types.ToolInfo, error) {
	tool := s.registry.Get(toolID)
	if tool == nil {
		return nil, errs.New(errs.KindUnknownTool, "tool %s is not in the registry", toolID)
	}
	return &types.ToolInfo{
		ToolID:          tool.ID,
		Name:            tool.Name,
		Server:          tool.Server,
		Description:     tool.Description,
		ActionSummary:   actionSummary(tool, args),
		EstimatedTokens: tool.EstimatedTokens,
		Tags:            tool.Tags,
	}, nil
}

// RegisterServer adds a backend to the desired set, persists it and
// connects. The returned status reflects the connection attempt.
func (s *Service) RegisterServer(ctx context.Context, input types.RegisterServerInput) (types.ServerStatus, error) {
	cfg := input.Config
	cfg.Name = input.Name
	if err := cfg.Validate(); err != nil {
		return types.ServerStatus{}, errs.Wrap(errs.KindConfig, err, "invalid server registration")
	}
	if s.manager.Has(cfg.Name) {
		return types.ServerStatus{}, errs.New(errs.KindConfig, "server %s already exists", cfg.Name)
	}

	if err := s.store.AddBackend(cfg); err != nil {
		return types.ServerStatus{}, err
	}
	if err := s.manager.Connect(ctx, cfg); err != nil {
		// roll the persisted entry back so config and runtime stay in step
		if rbErr := s.store.RemoveBackend(cfg.Name); rbErr != nil {
			s.logger.Error("failed to roll back backend registration",
				zap.String("server", cfg.Name), zap.Error(rbErr))
		}
		return types.ServerStatus{}, err
	}

	status, _ := s.manager.Status(cfg.Name)
	return status, nil
}

// RemoveServer disconnects a backend and removes it from the desired set.
func (s *Service) RemoveServer(name string) error {
	if !s.manager.Has(name) {
		return errs.New(errs.KindUnknownTool, "server %s is not registered", name)
	}
	if err := s.manager.Disconnect(name); err != nil {
		return err
	}
	if err := s.store.RemoveBackend(name); err != nil {
		// the backend may have been added outside the store (e.g. tests);
		// removal from the runtime already happened
		s.logger.Warn("failed to remove backend from config", zap.String("server", name), zap.Error(err))
	}
	return nil
}

// ListServers returns the status of every backend.
func (s *Service) ListServers() []types.ServerStatus {
	return s.manager.Statuses()
}

// ProvisionedIDs returns the current provisioned set, sorted for stable output.
func (s *Service) ProvisionedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.provisioned))
	for id := range s.provisioned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) isProvisioned(toolID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provisioned[toolID]
}

func normalizeTags(tags []string) []string {
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			normalized = append(normalized, tag)
		}
	}
	return normalized
}

// actionSummary produces the human-readable one-liner shown before a tool
// is executed.
func actionSummary(tool *model.Tool, args map[string]any) string {
	name := strings.ToLower(tool.Name)
	switch {
	case strings.Contains(name, "search"):
		if q, ok := args["query"].(string); ok {
			return fmt.Sprintf("Will search for %q", q)
		}
	case strings.Contains(name, "screenshot"):
		if n, ok := args["name"].(string); ok {
			return fmt.Sprintf("Will capture screenshot %q", n)
		}
	case strings.Contains(name, "write"):
		if title, ok := args["title"].(string); ok {
			return fmt.Sprintf("Will write %q", title)
		}
	}
	return fmt.Sprintf("Will execute %s with the provided arguments", tool.Name)
}
