// Package upstream owns the connections to backend MCP servers: the
// transport adapters implementing the Session contract, and the Manager
// that keeps sessions alive, enumerates their tools into the registry and
// routes tool calls.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/pkg/types"
)

// Session is a live connection to one backend MCP server.
//
// A session is created disconnected; Initialize dials the backend and runs
// the MCP handshake. After Close, every method fails and all in-flight
// requests receive a cancelled failure.
type Session interface {
	// Initialize connects to the backend and performs the MCP initialize
	// handshake. The context bounds the whole handshake.
	Initialize(ctx context.Context) error

	// ListTools enumerates the tools the backend exposes.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes one tool and returns the backend's result verbatim.
	// Backend-reported errors surface as KindTool failures; transport
	// failures, timeouts and cancellations carry their respective kinds.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// NewSession constructs the adapter matching the backend's transport.
// The session is not yet connected; call Initialize.
func NewSession(cfg types.BackendConfig, logger *zap.Logger) (Session, error) {
	switch cfg.Transport {
	case types.TransportStdio:
		return newStdioSession(cfg, logger), nil
	case types.TransportSSE, types.TransportStreamableHTTP:
		return newHTTPSession(cfg, logger), nil
	default:
		return nil, errs.New(errs.KindConfig, "backend %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

// classifyErr maps a raw adapter failure to the gateway error taxonomy.
// Already-tagged errors pass through; context errors become Timeout or
// Cancelled; everything else is a transport failure.
func classifyErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindTimeout, err, "%s", msg)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.KindCancelled, err, "%s", msg)
	default:
		return errs.Wrap(errs.KindTransport, err, "%s", msg)
	}
}

// newInitializeRequest builds the MCP initialize request sent by every adapter.
func newInitializeRequest() mcp.InitializeRequest {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "toolgate",
		Version: "0.1",
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	return initReq
}
