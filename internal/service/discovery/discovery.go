// Package discovery ranks registry tools against a natural-language query.
package discovery

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/embedding"
	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/internal/model"
	"github.com/toolgate/toolgate/internal/registry"
	"github.com/toolgate/toolgate/pkg/types"
)

const (
	// DefaultLimit is the number of results returned when the caller does not ask for a specific count.
	DefaultLimit = 10
	// MaxLimit caps the result count regardless of what the caller asks for.
	MaxLimit = 50

	// tagBoost is added to the similarity score once per matched tag.
	tagBoost = 0.2
)

// Service scores tools in the registry against queries using the configured encoder.
type Service struct {
	registry *registry.Registry
	encoder  embedding.Encoder
	logger   *zap.Logger
}

// NewService creates a discovery service over the given registry and encoder.
func NewService(reg *registry.Registry, enc embedding.Encoder, logger *zap.Logger) *Service {
	return &Service{registry: reg, encoder: enc, logger: logger}
}

// Find returns up to limit tools ranked by semantic similarity to the query
// plus a per-matched-tag bonus. An empty registry yields an empty result,
// not an error. Results are sorted by score descending, ties broken by tool
// id ascending, so the ranking is a pure function of the registry snapshot
// and the inputs.
func (s *Service) Find(ctx context.Context, query, queryContext string, tags []string, limit int) ([]types.ToolMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.New(errs.KindDiscovery, "query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	candidates := s.candidates(tags)
	if len(candidates) == 0 {
		return []types.ToolMatch{}, nil
	}

	queryText := query
	if queryContext != "" {
		queryText = query + " " + queryContext
	}
	queryVec, err := s.encoder.Encode(ctx, queryText)
	if err != nil {
		return nil, errs.Wrap(errs.KindDiscovery, err, "failed to embed query")
	}

	matches := make([]types.ToolMatch, 0, len(candidates))
	for _, tool := range candidates {
		vec, err := s.toolEmbedding(ctx, tool)
		if err != nil {
			// a tool that cannot be encoded is skipped, not fatal to the query
			s.logger.Warn("failed to embed tool, skipping",
				zap.String("tool_id", tool.ID), zap.Error(err))
			continue
		}

		matched := tool.MatchedTags(tags)
		score := embedding.Cosine(queryVec, vec) + tagBoost*float64(len(matched))
		matches = append(matches, types.ToolMatch{
			ToolID:          tool.ID,
			Name:            tool.Name,
			Description:     tool.Description,
			Server:          tool.Server,
			Score:           clamp01(score),
			MatchedTags:     matched,
			EstimatedTokens: tool.EstimatedTokens,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ToolID < matches[j].ToolID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// candidates returns the snapshot to score: every tool when tags are empty,
// otherwise only tools whose tag set intersects the requested tags.
func (s *Service) candidates(tags []string) []*model.Tool {
	all := s.registry.All()
	if len(tags) == 0 {
		return all
	}
	filtered := make([]*model.Tool, 0, len(all))
	for _, t := range all {
		if len(t.MatchedTags(tags)) > 0 {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// toolEmbedding returns the cached embedding for the tool, computing and
// caching it on first touch.
func (s *Service) toolEmbedding(ctx context.Context, tool *model.Tool) ([]float32, error) {
	if tool.Embedding != nil {
		return tool.Embedding, nil
	}
	text := EmbeddingText(tool)
	vec, err := s.encoder.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	s.registry.SetEmbedding(tool.ID, vec)
	return vec, nil
}

// EmbeddingText is the canonical text a tool is embedded from.
func EmbeddingText(tool *model.Tool) string {
	return tool.Name + " " + tool.Description + " " + strings.Join(tool.Tags, " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
