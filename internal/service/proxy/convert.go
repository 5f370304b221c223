package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolgate/toolgate/pkg/types"
)

// convertCallResult converts an MCP CallToolResult into the wire shape
// returned to API callers. Content items pass through a JSON round trip so
// the polymorphic SDK types flatten into plain maps.
func convertCallResult(resp *mcp.CallToolResult) (*types.ToolInvokeResult, error) {
	contentList, err := convertContent(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to convert content: %w", err)
	}

	return &types.ToolInvokeResult{
		Meta:              convertMeta(resp.Meta),
		IsError:           resp.IsError,
		Content:           contentList,
		StructuredContent: resp.StructuredContent,
	}, nil
}

func convertContent(content []mcp.Content) ([]map[string]any, error) {
	if len(content) == 0 {
		return []map[string]any{}, nil
	}

	contentList := make([]map[string]any, 0, len(content))
	for i, item := range content {
		serialized, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal content item %d: %w", i, err)
		}
		var contentMap map[string]any
		if err := json.Unmarshal(serialized, &contentMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content item %d: %w", i, err)
		}
		contentList = append(contentList, contentMap)
	}
	return contentList, nil
}

func convertMeta(meta *mcp.Meta) map[string]any {
	if meta == nil {
		return nil
	}

	metaMap := make(map[string]any)
	for k, v := range meta.AdditionalFields {
		metaMap[k] = v
	}
	if meta.ProgressToken != nil {
		metaMap["progressToken"] = meta.ProgressToken
	}
	if len(metaMap) == 0 {
		return nil
	}
	return metaMap
}
