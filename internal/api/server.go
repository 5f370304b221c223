// Package api is the gateway surface: the REST endpoints under /api, the
// health and metrics endpoints, and the MCP faces at /mcp (streamable HTTP)
// and /sse + /message (legacy SSE). Handlers are thin translators over the
// proxy service; no business logic lives here.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/service/proxy"
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/pkg/types"
	"github.com/toolgate/toolgate/pkg/version"
)

// ServerOptions configure the gateway surface.
type ServerOptions struct {
	Host string
	Port int
	// PortScan allows binding port+1..port+N when the configured port is
	// taken. It is disabled when the port was explicitly requested.
	PortScan bool

	Proxy  *proxy.Service
	Logger *zap.Logger

	OtelProviders *telemetry.Providers
}

// Server is the HTTP process serving both gateway faces.
type Server struct {
	host     string
	port     int
	portScan bool

	proxy  *proxy.Service
	logger *zap.Logger

	otelProviders *telemetry.Providers

	router     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time

	mcpProxy *mcpserver.MCPServer
}

// NewServer builds the router and the MCP faces.
func NewServer(opts *ServerOptions) (*Server, error) {
	s := &Server{
		host:          opts.Host,
		port:          opts.Port,
		portScan:      opts.PortScan,
		proxy:         opts.Proxy,
		logger:        opts.Logger,
		otelProviders: opts.OtelProviders,
	}

	s.mcpProxy = s.buildMCPServer()

	r, err := s.setupRouter()
	if err != nil {
		return nil, err
	}
	s.router = r
	return s, nil
}

// Start binds the listener and serves until Shutdown. When the configured
// port is taken and scanning is allowed, the next free port in a bounded
// range is used and logged.
func (s *Server) Start() error {
	listener, port, err := s.listen()
	if err != nil {
		return err
	}
	if port != s.port {
		s.logger.Warn("configured port is taken, using fallback",
			zap.Int("configured", s.port), zap.Int("bound", port))
	}
	s.logger.Info("gateway listening", zap.String("addr", listener.Addr().String()))

	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.router}
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to run the server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listen() (net.Listener, int, error) {
	limit := 0
	if s.portScan {
		limit = config.PortScanRange
	}
	var lastErr error
	for offset := 0; offset <= limit; offset++ {
		port := s.port + offset
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, port))
		if err == nil {
			return listener, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("failed to bind %s:%d (+%d fallbacks): %w", s.host, s.port, limit, lastErr)
}

func (s *Server) setupRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// if otel is enabled, instrument gin and expose the prometheus endpoint
	if s.otelProviders != nil && s.otelProviders.IsEnabled() {
		r.Use(otelgin.Middleware(s.otelProviders.ServiceName()))
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, types.HealthResponse{
			Status:  "healthy",
			UptimeS: time.Since(s.startedAt).Seconds(),
			Version: version.GetVersion(),
		})
	})

	// MCP face: streamable HTTP at /mcp
	streamableServer := mcpserver.NewStreamableHTTPServer(s.mcpProxy)
	r.Any("/mcp", gin.WrapH(streamableServer))

	// legacy SSE face at /sse + /message
	sseServer := mcpserver.NewSSEServer(s.mcpProxy)
	r.Any("/sse", gin.WrapH(sseServer.SSEHandler()))
	r.Any("/message", gin.WrapH(sseServer.MessageHandler()))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/mcp/servers", s.listServersHandler())
		apiGroup.POST("/mcp/servers", s.registerServerHandler())
		apiGroup.DELETE("/mcp/servers/:name", s.removeServerHandler())

		apiGroup.POST("/tools/discover", s.discoverToolsHandler())
		apiGroup.POST("/tools/provision", s.provisionToolsHandler())

		apiGroup.POST("/proxy/execute", s.executeToolHandler())
		apiGroup.GET("/proxy/tool/:id", s.toolInfoHandler())
	}

	return r, nil
}
