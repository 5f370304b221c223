// Package config defines the gateway's declarative configuration: the
// schema, the YAML loader with environment substitution, the write-back
// path used by dynamic server registration, and the file watcher that feeds
// reconciliation.
package config

import (
	"fmt"

	"github.com/toolgate/toolgate/pkg/types"
)

// Defaults for the gateway settings.
const (
	DefaultPort                   = 8001
	DefaultHost                   = "0.0.0.0"
	DefaultLogLevel               = "info"
	DefaultMaxTokensPerRequest    = 2000
	DefaultMaxToolsPerRequest     = 10
	DefaultHealthCheckIntervalSec = 30
	DefaultConnectionTimeoutSec   = 10

	// DefaultConfigPath is used when CONFIG_PATH is not set.
	DefaultConfigPath = "toolgate.yaml"

	// PortScanRange is how many successive ports are tried when the
	// configured port is taken and none was explicitly requested.
	PortScanRange = 24
)

// EmbeddingProvider selects the discovery encoder.
type EmbeddingProvider string

const (
	EmbeddingHash   EmbeddingProvider = "hash"
	EmbeddingOllama EmbeddingProvider = "ollama"
)

// EmbeddingSettings configure the discovery encoder.
type EmbeddingSettings struct {
	Provider    EmbeddingProvider `yaml:"provider,omitempty"`
	OllamaURL   string            `yaml:"ollamaUrl,omitempty"`
	OllamaModel string            `yaml:"ollamaModel,omitempty"`
}

// GatewaySettings are the gateway's own knobs, from the `gateway:` block.
type GatewaySettings struct {
	Port     int    `yaml:"port,omitempty"`
	Host     string `yaml:"host,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`

	MaxTokensPerRequest int `yaml:"maxTokensPerRequest,omitempty"`
	MaxToolsPerRequest  int `yaml:"maxToolsPerRequest,omitempty"`

	ConfigWatchEnabled *bool `yaml:"configWatchEnabled,omitempty"`

	HealthCheckIntervalSeconds int `yaml:"healthCheckIntervalSeconds,omitempty"`
	ConnectionTimeoutSeconds   int `yaml:"connectionTimeoutSeconds,omitempty"`

	RequireProvisioning bool `yaml:"requireProvisioning,omitempty"`

	TelemetryEnabled bool `yaml:"telemetryEnabled,omitempty"`

	Embedding EmbeddingSettings `yaml:"embedding,omitempty"`
}

// Config is the full parsed configuration file.
type Config struct {
	Gateway  GatewaySettings                 `yaml:"gateway"`
	Backends map[string]types.BackendConfig `yaml:"backends"`
}

// WatchEnabled reports whether the config watcher should run; default true.
func (c *Config) WatchEnabled() bool {
	return c.Gateway.ConfigWatchEnabled == nil || *c.Gateway.ConfigWatchEnabled
}

// ApplyDefaults fills unset fields and stamps each backend with its map key
// as Name.
func (c *Config) ApplyDefaults() {
	g := &c.Gateway
	if g.Port == 0 {
		g.Port = DefaultPort
	}
	if g.Host == "" {
		g.Host = DefaultHost
	}
	if g.LogLevel == "" {
		g.LogLevel = DefaultLogLevel
	}
	if g.MaxTokensPerRequest == 0 {
		g.MaxTokensPerRequest = DefaultMaxTokensPerRequest
	}
	if g.MaxToolsPerRequest == 0 {
		g.MaxToolsPerRequest = DefaultMaxToolsPerRequest
	}
	if g.HealthCheckIntervalSeconds == 0 {
		g.HealthCheckIntervalSeconds = DefaultHealthCheckIntervalSec
	}
	if g.ConnectionTimeoutSeconds == 0 {
		g.ConnectionTimeoutSeconds = DefaultConnectionTimeoutSec
	}
	if g.Embedding.Provider == "" {
		g.Embedding.Provider = EmbeddingHash
	}

	for name, backend := range c.Backends {
		backend.Name = name
		c.Backends[name] = backend
	}
}

// Validate checks the whole config. It is called after ApplyDefaults.
func (c *Config) Validate() error {
	switch c.Gateway.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("invalid gateway.logLevel %q (valid: debug, info, warning, error)", c.Gateway.LogLevel)
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway.port %d", c.Gateway.Port)
	}
	switch c.Gateway.Embedding.Provider {
	case EmbeddingHash, EmbeddingOllama:
	default:
		return fmt.Errorf("invalid gateway.embedding.provider %q (valid: hash, ollama)", c.Gateway.Embedding.Provider)
	}

	for name, backend := range c.Backends {
		if backend.Name != name {
			return fmt.Errorf("backend %s: inconsistent name %q", name, backend.Name)
		}
		if err := backend.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BackendList returns the backends as a slice, which is what the manager's
// reconcile path consumes.
func (c *Config) BackendList() []types.BackendConfig {
	backends := make([]types.BackendConfig, 0, len(c.Backends))
	for _, backend := range c.Backends {
		backends = append(backends, backend)
	}
	return backends
}
