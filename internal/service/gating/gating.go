// Package gating selects a bounded subset of registry tools under
// tool-count and token budgets.
package gating

import (
	"sync"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/internal/model"
	"github.com/toolgate/toolgate/internal/registry"
	"github.com/toolgate/toolgate/pkg/types"
)

const (
	// DefaultMaxTools is used when the config does not set a ceiling.
	DefaultMaxTools = 10
	// DefaultMaxTokens is used when the config does not set a ceiling.
	DefaultMaxTokens = 2000

	// recentHistorySize bounds the most-recently-used list.
	recentHistorySize = 100
)

// Limits are the configured hard ceilings. Requests may ask for less, never more.
type Limits struct {
	MaxTools  int
	MaxTokens int
}

// Service implements budgeted tool selection. Executed tools are recorded so
// that provisioning without an explicit id list prefers what the client
// actually uses.
type Service struct {
	registry *registry.Registry
	limits   Limits
	logger   *zap.Logger

	mu     sync.Mutex
	recent []string // tool ids, most recent first
}

// NewService creates a gating service with the given ceilings.
func NewService(reg *registry.Registry, limits Limits, logger *zap.Logger) *Service {
	if limits.MaxTools <= 0 {
		limits.MaxTools = DefaultMaxTools
	}
	if limits.MaxTokens <= 0 {
		limits.MaxTokens = DefaultMaxTokens
	}
	return &Service{registry: reg, limits: limits, logger: logger}
}

// RecordUse notes that a tool was executed, moving it to the front of the
// recency list used for candidate ordering.
func (s *Service) RecordUse(toolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]string, 0, len(s.recent)+1)
	filtered = append(filtered, toolID)
	for _, id := range s.recent {
		if id != toolID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) > recentHistorySize {
		filtered = filtered[:recentHistorySize]
	}
	s.recent = filtered
}

// Select returns the tools accepted under the budget, in candidate order.
// When toolIDs is given, exactly those are considered (unknown ids are
// skipped); otherwise candidates are the most recently used tools followed
// by the remaining registry in id order, up to 2×maxTools.
//
// A non-empty candidate set from which nothing fits the token budget is a
// BudgetExceeded error; an empty candidate set is an empty (successful) result.
func (s *Service) Select(toolIDs []string, maxTools, contextTokens int) ([]types.ProvisionedTool, types.ProvisionMetadata, error) {
	maxTools = clampBudget(maxTools, s.limits.MaxTools)
	contextTokens = clampBudget(contextTokens, s.limits.MaxTokens)

	var candidates []*model.Tool
	if len(toolIDs) > 0 {
		candidates = s.lookup(toolIDs)
	} else {
		candidates = s.defaultCandidates(2 * maxTools)
	}

	accepted := make([]types.ProvisionedTool, 0, maxTools)
	totalTokens := 0
	for _, tool := range candidates {
		if len(accepted) >= maxTools {
			break
		}
		if totalTokens+tool.EstimatedTokens > contextTokens {
			continue
		}
		totalTokens += tool.EstimatedTokens
		accepted = append(accepted, types.ProvisionedTool{
			ToolID:      tool.ID,
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
			TokenCount:  tool.EstimatedTokens,
		})
	}

	if len(candidates) > 0 && len(accepted) == 0 {
		return nil, types.ProvisionMetadata{}, errs.New(
			errs.KindBudgetExceeded,
			"no tool fits within %d context tokens", contextTokens,
		)
	}

	meta := types.ProvisionMetadata{TotalTokens: totalTokens, GatingApplied: true}
	return accepted, meta, nil
}

// lookup fetches the requested tools in input order, skipping unknown ids.
func (s *Service) lookup(toolIDs []string) []*model.Tool {
	tools := make([]*model.Tool, 0, len(toolIDs))
	for _, id := range toolIDs {
		if t := s.registry.Get(id); t != nil {
			tools = append(tools, t)
		} else {
			s.logger.Debug("provision request references unknown tool", zap.String("tool_id", id))
		}
	}
	return tools
}

// defaultCandidates returns up to n tools: recently used first, then the
// rest of the registry in id order.
func (s *Service) defaultCandidates(n int) []*model.Tool {
	s.mu.Lock()
	recent := append([]string(nil), s.recent...)
	s.mu.Unlock()

	seen := make(map[string]bool, n)
	candidates := make([]*model.Tool, 0, n)
	for _, id := range recent {
		if len(candidates) >= n {
			return candidates
		}
		if t := s.registry.Get(id); t != nil && !seen[t.ID] {
			seen[t.ID] = true
			candidates = append(candidates, t)
		}
	}
	for _, t := range s.registry.All() {
		if len(candidates) >= n {
			break
		}
		if !seen[t.ID] {
			seen[t.ID] = true
			candidates = append(candidates, t)
		}
	}
	return candidates
}

func clampBudget(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
