// Package types contains the wire-level types shared between the toolgate
// server, its HTTP API and the Go client.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

// BackendTransport represents the transport protocol used by a backend MCP server.
type BackendTransport string

const (
	TransportStdio          BackendTransport = "stdio"
	TransportSSE            BackendTransport = "sse"
	TransportStreamableHTTP BackendTransport = "streamable-http"
)

// FilterMode controls how a tool filter list is interpreted.
type FilterMode string

const (
	// FilterAllow keeps only the tools matching the list. An empty list allows all.
	FilterAllow FilterMode = "allow"
	// FilterDeny removes the tools matching the list.
	FilterDeny FilterMode = "deny"
)

// ToolFilter selects which of a backend's tools are published into the registry.
// Matching is case-insensitive and supports a simple '*' wildcard.
type ToolFilter struct {
	Mode FilterMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	List []string   `json:"list,omitempty" yaml:"list,omitempty"`
}

// HealthCheck configures periodic liveness probing of a backend.
type HealthCheck struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	IntervalSeconds int    `json:"interval_seconds,omitempty" yaml:"intervalSeconds,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// BackendOptions holds per-backend request behavior.
type BackendOptions struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	RetryCount     int `json:"retry_count,omitempty" yaml:"retryCount,omitempty"`
}

// BackendConfig is the declarative description of one backend MCP server.
type BackendConfig struct {
	// Name is the unique key of the backend. It becomes the prefix of every
	// tool id published by this backend.
	Name string `json:"name" yaml:"-"`

	Transport BackendTransport `json:"transport" yaml:"transport"`

	// stdio transport
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// sse / streamable-http transports
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	ToolFilter *ToolFilter     `json:"tool_filter,omitempty" yaml:"toolFilter,omitempty"`
	Health     *HealthCheck    `json:"health,omitempty" yaml:"health,omitempty"`
	Options    *BackendOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// IsEnabled reports whether the backend should be connected. Enabled defaults to true.
func (c *BackendConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// FilterModeOrDefault returns the filter mode, defaulting to allow.
func (f *ToolFilter) FilterModeOrDefault() FilterMode {
	if f == nil || f.Mode == "" {
		return FilterAllow
	}
	return f.Mode
}

// Only allow letters, numbers, hyphens, and underscores in backend names.
var validBackendName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateBackendName checks that a backend name can safely be used as a
// tool id prefix. Tool ids are `<server>_<tool>`, and the server prefix is
// stripped using the registry's record of the owning server, so underscores
// inside the name are fine; a trailing underscore is not, because it would
// make the id `server__tool` and the strip ambiguous to human readers.
func ValidateBackendName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid backend name: must not be empty")
	}
	if !validBackendName.MatchString(name) {
		return fmt.Errorf("invalid backend name %q: must match %s", name, validBackendName)
	}
	if strings.HasSuffix(name, "_") {
		return fmt.Errorf("invalid backend name %q: must not end with an underscore", name)
	}
	return nil
}

// ValidateTransport validates the input string and returns the corresponding BackendTransport.
func ValidateTransport(input string) (BackendTransport, error) {
	errMsgExt := fmt.Sprintf(
		"(acceptable values: '%s', '%s', '%s')", TransportStdio, TransportSSE, TransportStreamableHTTP,
	)
	switch input {
	case string(TransportStdio):
		return TransportStdio, nil
	case string(TransportSSE):
		return TransportSSE, nil
	case string(TransportStreamableHTTP):
		return TransportStreamableHTTP, nil
	case "":
		return "", fmt.Errorf("transport is required %s", errMsgExt)
	default:
		return "", fmt.Errorf("unsupported transport type: %s %s", input, errMsgExt)
	}
}

// Validate checks that the config carries the fields its transport requires.
func (c *BackendConfig) Validate() error {
	if err := ValidateBackendName(c.Name); err != nil {
		return err
	}
	if _, err := ValidateTransport(string(c.Transport)); err != nil {
		return err
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("backend %s: command is required for stdio transport", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("backend %s: url is required for %s transport", c.Name, c.Transport)
		}
	}
	if f := c.ToolFilter; f != nil && f.Mode != "" && f.Mode != FilterAllow && f.Mode != FilterDeny {
		return fmt.Errorf("backend %s: invalid tool filter mode %q", c.Name, f.Mode)
	}
	return nil
}

// AdapterFieldsEqual reports whether two configs agree on every field the
// transport adapter cares about. The manager uses this to decide whether a
// config change requires a reconnect.
func AdapterFieldsEqual(a, b *BackendConfig) bool {
	if a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	if !stringMapsEqual(a.Env, b.Env) || !stringMapsEqual(a.Headers, b.Headers) {
		return false
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// RegisterServerInput is the request body for POST /api/mcp/servers and the
// input schema of the register_mcp_server MCP tool.
type RegisterServerInput struct {
	Name   string        `json:"name"`
	Config BackendConfig `json:"config"`
}
