package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/pkg/types"
)

const sampleConfig = `
gateway:
  port: 9001
  logLevel: debug
  maxTokensPerRequest: 1500
  requireProvisioning: true
backends:
  puppeteer:
    transport: stdio
    command: npx
    args: ["-y", "@modelcontextprotocol/server-puppeteer"]
    env:
      DEBUG: "1"
    toolFilter:
      mode: deny
      list: ["*screenshot*"]
  exa:
    transport: sse
    url: https://mcp.exa.ai/sse
    headers:
      Authorization: Bearer ${EXA_API_KEY:-test-key}
    tags: ["search", "web"]
`

func writeConfig(t *testing.T, content string) (afero.Fs, string) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/toolgate.yaml", []byte(content), 0o644))
	return fs, "/etc/toolgate.yaml"
}

func TestLoad(t *testing.T) {
	fs, path := writeConfig(t, sampleConfig)

	cfg, err := Load(fs, path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Gateway.Port)
	assert.Equal(t, "debug", cfg.Gateway.LogLevel)
	assert.Equal(t, 1500, cfg.Gateway.MaxTokensPerRequest)
	assert.True(t, cfg.Gateway.RequireProvisioning)
	// defaults fill the rest
	assert.Equal(t, DefaultHost, cfg.Gateway.Host)
	assert.Equal(t, DefaultMaxToolsPerRequest, cfg.Gateway.MaxToolsPerRequest)
	assert.Equal(t, EmbeddingHash, cfg.Gateway.Embedding.Provider)
	assert.True(t, cfg.WatchEnabled())

	require.Len(t, cfg.Backends, 2)
	puppeteer := cfg.Backends["puppeteer"]
	assert.Equal(t, "puppeteer", puppeteer.Name)
	assert.Equal(t, types.TransportStdio, puppeteer.Transport)
	assert.Equal(t, "npx", puppeteer.Command)
	assert.Equal(t, types.FilterDeny, puppeteer.ToolFilter.Mode)

	exa := cfg.Backends["exa"]
	assert.Equal(t, types.TransportSSE, exa.Transport)
	// unset ${EXA_API_KEY} resolves through its default form
	assert.Equal(t, "Bearer test-key", exa.Headers["Authorization"])
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("TG_TEST_TOKEN", "sekrit")
	fs, path := writeConfig(t, `
gateway:
  port: 8001
backends:
  remote:
    transport: streamable-http
    url: https://example.com/mcp
    headers:
      Authorization: Bearer ${TG_TEST_TOKEN}
`)

	cfg, err := Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", cfg.Backends["remote"].Headers["Authorization"])
}

func TestLoadUndefinedEnvVarFails(t *testing.T) {
	fs, path := writeConfig(t, `
gateway:
  port: 8001
backends:
  remote:
    transport: sse
    url: ${TG_DEFINITELY_UNSET_URL}
`)

	_, err := Load(fs, path)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
	assert.Contains(t, err.Error(), "TG_DEFINITELY_UNSET_URL")
}

func TestLoadInvalidTransport(t *testing.T) {
	fs, path := writeConfig(t, `
backends:
  broken:
    transport: carrier-pigeon
`)
	_, err := Load(fs, path)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestLoadStdioWithoutCommand(t *testing.T) {
	fs, path := writeConfig(t, `
backends:
  broken:
    transport: stdio
`)
	_, err := Load(fs, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestLoadMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/nope.yaml")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestExpandEnv(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "SET" {
			return "value", true
		}
		return "", false
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"set variable", "x: ${SET}", "x: value", false},
		{"default used", "x: ${UNSET:-fallback}", "x: fallback", false},
		{"default ignored when set", "x: ${SET:-fallback}", "x: value", false},
		{"empty default", "x: ${UNSET:-}", "x: ", false},
		{"unset without default", "x: ${UNSET}", "", true},
		{"no substitution", "x: plain $DOLLAR", "x: plain $DOLLAR", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnv([]byte(tt.input), lookup)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	fs, path := writeConfig(t, sampleConfig)
	cfg, err := Load(fs, path)
	require.NoError(t, err)

	enabled := false
	cfg.Backends["context7"] = types.BackendConfig{
		Name:      "context7",
		Transport: types.TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "@upstash/context7-mcp"},
		Enabled:   &enabled,
	}
	require.NoError(t, Save(fs, path, cfg))

	reloaded, err := Load(fs, path)
	require.NoError(t, err)
	require.Len(t, reloaded.Backends, 3)
	ctx7 := reloaded.Backends["context7"]
	assert.Equal(t, "npx", ctx7.Command)
	assert.False(t, ctx7.IsEnabled())
}

func TestFingerprintStable(t *testing.T) {
	fs, path := writeConfig(t, sampleConfig)
	cfg, err := Load(fs, path)
	require.NoError(t, err)
	again, err := Load(fs, path)
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(cfg), Fingerprint(again))
}
