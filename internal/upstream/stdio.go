package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/pkg/types"
)

const (
	// terminateGracePeriod is how long a child gets after SIGTERM before SIGKILL.
	terminateGracePeriod = 5 * time.Second

	// maxFrameSize bounds a single JSON-RPC line read from the child.
	maxFrameSize = 10 * 1024 * 1024

	// cancelledErrorCode is the JSON-RPC error code used internally to fail
	// pending waiters when the session goes away.
	cancelledErrorCode = -32800
)

// stdioSession runs a backend as a child process and speaks JSON-RPC 2.0
// over its stdin/stdout. The adapter owns the child's whole lifecycle:
// spawn, stderr capture, reaping, and SIGTERM→SIGKILL escalation on close.
//
// Many servers print banner text to stdout before their first JSON-RPC
// frame. Lines that fail to parse are logged under the backend's name and
// discarded; they are never an error.
type stdioSession struct {
	cfg    types.BackendConfig
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	waitCh chan error

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonRPCResponse

	nextID atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// jsonRPCRequest is an outbound JSON-RPC 2.0 frame. ID is nil for notifications.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCResponse is an inbound JSON-RPC 2.0 frame.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newStdioSession(cfg types.BackendConfig, logger *zap.Logger) *stdioSession {
	return &stdioSession{
		cfg:     cfg,
		logger:  logger.With(zap.String("server", cfg.Name)),
		pending: make(map[int64]chan *jsonRPCResponse),
		done:    make(chan struct{}),
	}
}

func (s *stdioSession) Initialize(ctx context.Context) error {
	if err := s.start(); err != nil {
		return err
	}

	initReq := newInitializeRequest()
	var result json.RawMessage
	if err := s.call(ctx, "initialize", initReq.Params, &result); err != nil {
		_ = s.Close()
		return classifyErr(err, "initialize handshake with %s failed", s.cfg.Name)
	}
	if err := s.notify("notifications/initialized", struct{}{}); err != nil {
		_ = s.Close()
		return classifyErr(err, "failed to confirm initialization with %s", s.cfg.Name)
	}
	return nil
}

// start spawns the child process and begins the stdout/stderr readers.
func (s *stdioSession) start() error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "failed to open stdin pipe for %s", s.cfg.Name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "failed to open stdout pipe for %s", s.cfg.Name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.Wrap(errs.KindTransport, err, "failed to open stderr pipe for %s", s.cfg.Name)
	}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.KindTransport, err, "failed to start %s", s.cfg.Command)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.waitCh = make(chan error, 1)

	go s.readLoop(stdout)
	go s.captureStderr(stderr)
	go func() { s.waitCh <- cmd.Wait() }()

	return nil
}

// readLoop consumes stdout line by line. Non-JSON-RPC lines are treated as
// banner output: logged and discarded, both before and after the first
// well-formed frame.
func (s *stdioSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.JSONRPC != mcp.JSONRPC_VERSION {
			s.logger.Debug("discarding non-protocol stdout line", zap.ByteString("line", line))
			continue
		}
		if resp.ID == nil {
			// server-initiated notification; the gateway does not consume these
			s.logger.Debug("ignoring server notification", zap.String("method", resp.Method))
			continue
		}

		s.pendingMu.Lock()
		waiter, ok := s.pending[*resp.ID]
		if ok {
			delete(s.pending, *resp.ID)
		}
		s.pendingMu.Unlock()

		if !ok {
			s.logger.Debug("dropping response with no waiter", zap.Int64("id", *resp.ID))
			continue
		}
		waiter <- &resp
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("stdout reader stopped", zap.Error(err))
	}
	// stdout is gone: nothing pending can complete anymore
	s.failPending()
}

// captureStderr routes the child's stderr to the gateway logs, tagged with
// the backend name.
func (s *stdioSession) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		s.logger.Info("backend stderr", zap.String("line", scanner.Text()))
	}
}

// call sends a request and waits for its response, bounded by ctx.
func (s *stdioSession) call(ctx context.Context, method string, params any, result *json.RawMessage) error {
	select {
	case <-s.done:
		return errs.New(errs.KindCancelled, "session to %s is closed", s.cfg.Name)
	default:
	}

	id := s.nextID.Add(1)
	waiter := make(chan *jsonRPCResponse, 1)

	s.pendingMu.Lock()
	s.pending[id] = waiter
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.send(jsonRPCRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: &id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			if resp.Error.Code == cancelledErrorCode {
				return errs.New(errs.KindCancelled, "request %s to %s cancelled: %s", method, s.cfg.Name, resp.Error.Message)
			}
			return &errs.Error{
				Kind: errs.KindTool,
				Msg:  fmt.Sprintf("backend %s returned error %d: %s", s.cfg.Name, resp.Error.Code, resp.Error.Message),
			}
		}
		*result = resp.Result
		return nil
	case <-ctx.Done():
		return classifyErr(ctx.Err(), "request %s to %s abandoned", method, s.cfg.Name)
	case <-s.done:
		return errs.New(errs.KindCancelled, "session to %s closed while awaiting %s", s.cfg.Name, method)
	}
}

// notify sends a request without an id and does not wait.
func (s *stdioSession) notify(method string, params any) error {
	return s.send(jsonRPCRequest{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: params})
}

func (s *stdioSession) send(req jsonRPCRequest) error {
	frame, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err, "failed to marshal %s request", req.Method)
	}
	frame = append(frame, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(frame); err != nil {
		return errs.Wrap(errs.KindTransport, err, "failed to write to %s", s.cfg.Name)
	}
	return nil
}

func (s *stdioSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var raw json.RawMessage
	if err := s.call(ctx, "tools/list", struct{}{}, &raw); err != nil {
		return nil, classifyErr(err, "tools/list on %s failed", s.cfg.Name)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "malformed tools/list result from %s", s.cfg.Name)
	}
	return result.Tools, nil
}

func (s *stdioSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	params := mcp.CallToolParams{Name: name, Arguments: args}

	var raw json.RawMessage
	if err := s.call(ctx, "tools/call", params, &raw); err != nil {
		return nil, classifyErr(err, "tools/call %s on %s failed", name, s.cfg.Name)
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "malformed tools/call result from %s", s.cfg.Name)
	}
	return result, nil
}

// Ping probes liveness with a tools/list round trip.
func (s *stdioSession) Ping(ctx context.Context) error {
	_, err := s.ListTools(ctx)
	return err
}

// Close closes stdin, then terminates the child with SIGTERM, escalating to
// SIGKILL after the grace period. All pending requests fail as cancelled.
func (s *stdioSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.failPending()

		if s.cmd == nil || s.cmd.Process == nil {
			return
		}

		// closing stdin first gives well-behaved servers a chance to exit on EOF
		_ = s.stdin.Close()
		_ = s.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-s.waitCh:
		case <-time.After(terminateGracePeriod):
			s.logger.Warn("backend did not exit after SIGTERM, killing")
			_ = s.cmd.Process.Kill()
			<-s.waitCh
		}
	})
	return nil
}

// failPending delivers a cancelled failure to every waiter.
func (s *stdioSession) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, waiter := range s.pending {
		select {
		case waiter <- &jsonRPCResponse{
			ID:    &id,
			Error: &jsonRPCError{Code: cancelledErrorCode, Message: "session closed"},
		}:
		default:
		}
		delete(s.pending, id)
	}
}
