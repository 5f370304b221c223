package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/pkg/types"
)

// httpSession connects to a backend over SSE or streamable HTTP using the
// mcp-go client. Both transports multiplex concurrent requests by JSON-RPC
// id inside the SDK; this adapter adds the gateway's error taxonomy and an
// optional out-of-band health endpoint probe.
type httpSession struct {
	cfg    types.BackendConfig
	logger *zap.Logger

	client *client.Client

	// healthURL, when set, is probed with a plain GET instead of an MCP ping.
	healthURL  string
	httpClient *http.Client
}

func newHTTPSession(cfg types.BackendConfig, logger *zap.Logger) *httpSession {
	s := &httpSession{
		cfg:        cfg,
		logger:     logger.With(zap.String("server", cfg.Name)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.Health != nil && cfg.Health.Endpoint != "" {
		s.healthURL = joinURL(cfg.URL, cfg.Health.Endpoint)
	}
	return s
}

func (s *httpSession) Initialize(ctx context.Context) error {
	var (
		c   *client.Client
		err error
	)
	switch s.cfg.Transport {
	case types.TransportSSE:
		var opts []transport.ClientOption
		if len(s.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(s.cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(s.cfg.URL, opts...)
		if err != nil {
			return errs.Wrap(errs.KindTransport, err, "failed to create SSE client for %s", s.cfg.Name)
		}
		if err = c.Start(ctx); err != nil {
			return classifyErr(err, "failed to start SSE transport for %s", s.cfg.Name)
		}
	default: // streamable HTTP
		var opts []transport.StreamableHTTPCOption
		if len(s.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(s.cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(s.cfg.URL, opts...)
		if err != nil {
			return errs.Wrap(errs.KindTransport, err, "failed to create streamable HTTP client for %s", s.cfg.Name)
		}
	}

	if _, err = c.Initialize(ctx, newInitializeRequest()); err != nil {
		_ = c.Close()
		return classifyErr(err, "initialize handshake with %s failed", s.cfg.Name)
	}

	s.client = c
	return nil
}

func (s *httpSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if s.client == nil {
		return nil, errs.New(errs.KindNotConnected, "session to %s is not initialized", s.cfg.Name)
	}
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classifyErr(err, "tools/list on %s failed", s.cfg.Name)
	}
	return resp.Tools, nil
}

func (s *httpSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if s.client == nil {
		return nil, errs.New(errs.KindNotConnected, "session to %s is not initialized", s.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		// JSON-RPC error responses surface from the SDK as plain errors;
		// keep them distinguishable from connection failures.
		if strings.Contains(err.Error(), "jsonrpc") || strings.Contains(err.Error(), "error response") {
			return nil, errs.Wrap(errs.KindTool, err, "backend %s rejected tool call %s", s.cfg.Name, name)
		}
		return nil, classifyErr(err, "tools/call %s on %s failed", name, s.cfg.Name)
	}
	return result, nil
}

// Ping probes the configured health endpoint when present, falling back to
// an MCP ping.
func (s *httpSession) Ping(ctx context.Context) error {
	if s.healthURL != "" {
		return s.pingHealthEndpoint(ctx)
	}
	if s.client == nil {
		return errs.New(errs.KindNotConnected, "session to %s is not initialized", s.cfg.Name)
	}
	if err := s.client.Ping(ctx); err != nil {
		return classifyErr(err, "ping to %s failed", s.cfg.Name)
	}
	return nil
}

func (s *httpSession) pingHealthEndpoint(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.healthURL, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "failed to build health request for %s", s.cfg.Name)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return classifyErr(err, "health probe to %s failed", s.cfg.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(errs.KindTransport, "health endpoint of %s returned status %d", s.cfg.Name, resp.StatusCode)
	}
	return nil
}

func (s *httpSession) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close session to %s: %w", s.cfg.Name, err)
	}
	return nil
}

// joinURL resolves a health endpoint path against the backend base URL.
func joinURL(base, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
