package upstream

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolgate/toolgate/internal/model"
	"github.com/toolgate/toolgate/pkg/types"
)

const (
	// estimateBaseTokens and estimateProtocolTokens are the flat parts of
	// the per-tool cost heuristic; the rest scales with description and
	// schema length at ~4 characters per token.
	estimateBaseTokens     = 50
	estimateProtocolTokens = 20
)

// tagKeywords are the description keywords promoted to tags.
var tagKeywords = []string{
	"search", "web", "browser", "file", "code", "api", "data",
	"screenshot", "navigation", "read", "write", "documentation",
}

// buildTools converts the backend's tool descriptors into registry records:
// the tool filter is applied, ids get the server prefix, tags are derived
// from the description and the backend's configured tags, and the token
// cost heuristic is computed.
func buildTools(cfg *types.BackendConfig, descriptors []mcp.Tool) []*model.Tool {
	tools := make([]*model.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		name := d.GetName()
		if !filterAllows(cfg.ToolFilter, name) {
			continue
		}

		params := schemaToMap(d.InputSchema)
		tools = append(tools, &model.Tool{
			ID:              cfg.Name + "_" + name,
			Server:          cfg.Name,
			Name:            name,
			Description:     d.Description,
			Parameters:      params,
			Tags:            deriveTags(d.Description, cfg.Tags),
			EstimatedTokens: estimateTokens(d.Description, params),
		})
	}
	return tools
}

// filterAllows applies the backend's tool filter to one tool name.
// Allow mode with an empty list allows everything.
func filterAllows(filter *types.ToolFilter, name string) bool {
	if filter == nil {
		return true
	}
	matched := false
	for _, pattern := range filter.List {
		if wildcardMatch(pattern, name) {
			matched = true
			break
		}
	}
	switch filter.FilterModeOrDefault() {
	case types.FilterDeny:
		return !matched
	default: // allow
		return len(filter.List) == 0 || matched
	}
}

// wildcardMatch reports whether name matches the pattern, case-insensitively.
// '*' matches any run of characters; no other metacharacters exist.
func wildcardMatch(pattern, name string) bool {
	pattern = strings.ToLower(pattern)
	name = strings.ToLower(name)

	if !strings.Contains(pattern, "*") {
		return pattern == name
	}

	segments := strings.Split(pattern, "*")
	if first := segments[0]; first != "" {
		if !strings.HasPrefix(name, first) {
			return false
		}
		name = name[len(first):]
	}
	if last := segments[len(segments)-1]; last != "" {
		if !strings.HasSuffix(name, last) {
			return false
		}
		name = name[:len(name)-len(last)]
	}
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(name, seg)
		if idx < 0 {
			return false
		}
		name = name[idx+len(seg):]
	}
	return true
}

// deriveTags extracts tags from the description keywords and merges the
// backend's configured tags. Tags are lowercase and deduplicated, in
// keyword order followed by configured order.
func deriveTags(description string, configured []string) []string {
	seen := make(map[string]bool)
	tags := make([]string, 0, len(configured)+4)

	descLower := strings.ToLower(description)
	for _, kw := range tagKeywords {
		if strings.Contains(descLower, kw) && !seen[kw] {
			seen[kw] = true
			tags = append(tags, kw)
		}
	}
	for _, tag := range configured {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// estimateTokens is the heuristic context cost of exposing a tool:
// base + ceil(len(description)/4) + ceil(len(schema JSON)/4) + protocol overhead.
func estimateTokens(description string, params map[string]any) int {
	schemaLen := 0
	if len(params) > 0 {
		if serialized, err := json.Marshal(params); err == nil {
			schemaLen = len(serialized)
		}
	}
	return estimateBaseTokens + ceilDiv(len(description), 4) + ceilDiv(schemaLen, 4) + estimateProtocolTokens
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

// schemaToMap converts the SDK's input schema struct to the opaque
// JSON-Schema map stored on the tool record.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	serialized, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(serialized, &m); err != nil {
		return map[string]any{}
	}
	return m
}
