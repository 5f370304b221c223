package upstream

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/errs"
	"github.com/toolgate/toolgate/internal/registry"
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/pkg/types"
)

// Options tune the manager's connection behavior. Zero values fall back to
// the defaults below.
type Options struct {
	// InitTimeout bounds the MCP initialize handshake per backend.
	InitTimeout time.Duration
	// CallTimeout is the per-request deadline when a backend does not set
	// options.timeoutSeconds.
	CallTimeout time.Duration
	// HealthInterval is the probe cadence when a backend does not set its own.
	HealthInterval time.Duration
	// HealthTimeout bounds one probe when a backend does not set its own.
	HealthTimeout time.Duration
	// MaxErrorsPerMinute feeds the circuit breaker: more than twice this
	// many errors within a minute throttles the backend.
	MaxErrorsPerMinute int
	// BackoffBase is the first reconnect delay; it doubles per attempt.
	BackoffBase time.Duration
	// LongRetryInterval is the cadence of retries after the per-incident
	// attempts are exhausted.
	LongRetryInterval time.Duration
	// BreakerCooldown is how long a throttled backend waits.
	BreakerCooldown time.Duration
	// DefaultRetryCount is the per-incident reconnect attempt count when a
	// backend does not set options.retryCount.
	DefaultRetryCount int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Second
	}
	if opts.MaxErrorsPerMinute <= 0 {
		opts.MaxErrorsPerMinute = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.LongRetryInterval <= 0 {
		opts.LongRetryInterval = 60 * time.Second
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.DefaultRetryCount <= 0 {
		opts.DefaultRetryCount = 3
	}
	return opts
}

// backendState is everything the manager tracks for one backend. Its mutex
// guards the session pointer and status. The session pointer is set by
// connectSession (from Connect or the monitor's reconnect path) and cleared
// by noteFailure, Disconnect and Shutdown.
type backendState struct {
	mu      sync.Mutex
	cfg     types.BackendConfig
	session Session
	status  types.ServerStatus

	cancelMonitor context.CancelFunc
	// kick wakes the monitor for an immediate reconnect attempt.
	kick chan struct{}

	probeFailures int
	errorTimes    []time.Time
	throttledTill time.Time
}

// Manager owns all backend sessions: connect, enumerate, health, reconnect,
// and tool-call dispatch. There is exactly one monitor goroutine per
// backend; tool calls from any goroutine multiplex onto the live session.
type Manager struct {
	registry *registry.Registry
	logger   *zap.Logger
	metrics  telemetry.CustomMetrics
	opts     Options

	mu       sync.RWMutex
	backends map[string]*backendState

	// reconcileMu serializes overlapping config reconciliations.
	reconcileMu sync.Mutex

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// newSession is swappable in tests.
	newSession func(types.BackendConfig, *zap.Logger) (Session, error)
}

// NewManager creates a manager publishing tools into the given registry.
func NewManager(reg *registry.Registry, logger *zap.Logger, metrics telemetry.CustomMetrics, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:   reg,
		logger:     logger,
		metrics:    metrics,
		opts:       opts.withDefaults(),
		backends:   make(map[string]*backendState),
		rootCtx:    ctx,
		cancel:     cancel,
		newSession: NewSession,
	}
}

// Connect registers a backend and attempts the initial connection. The
// connection attempt itself does not fail Connect: a backend that cannot be
// reached is kept with an unhealthy status and retried by its monitor.
// Connect fails only on invalid config or duplicate name.
func (m *Manager) Connect(ctx context.Context, cfg types.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return errs.Wrap(errs.KindConfig, err, "invalid backend config")
	}

	m.mu.Lock()
	if _, exists := m.backends[cfg.Name]; exists {
		m.mu.Unlock()
		return errs.New(errs.KindConfig, "backend %s is already registered", cfg.Name)
	}
	st := &backendState{
		cfg:  cfg,
		kick: make(chan struct{}, 1),
		status: types.ServerStatus{
			Name:         cfg.Name,
			Enabled:      cfg.IsEnabled(),
			HealthStatus: types.HealthUnknown,
			Tags:         cfg.Tags,
		},
	}
	m.backends[cfg.Name] = st
	m.mu.Unlock()

	if !cfg.IsEnabled() {
		m.logger.Info("backend registered but disabled", zap.String("server", cfg.Name))
		return nil
	}

	if err := m.connectSession(ctx, st); err != nil {
		m.logger.Warn("initial connection failed, will retry",
			zap.String("server", cfg.Name), zap.Error(err))
	}

	monitorCtx, cancelMonitor := context.WithCancel(m.rootCtx)
	st.mu.Lock()
	st.cancelMonitor = cancelMonitor
	st.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor(monitorCtx, st)
	}()

	return nil
}

// Disconnect closes the backend's session and removes its tools.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	st, ok := m.backends[name]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.KindConfig, "backend %s is not registered", name)
	}
	delete(m.backends, name)
	m.mu.Unlock()

	st.mu.Lock()
	if st.cancelMonitor != nil {
		st.cancelMonitor()
	}
	session := st.session
	st.session = nil
	st.status.Connected = false
	st.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	m.registry.RemoveServer(name)
	m.logger.Info("backend disconnected", zap.String("server", name))
	return nil
}

// Reconcile brings the set of connected backends in line with the desired
// configs: missing backends are added, extra ones removed, and backends
// whose adapter-relevant fields changed are reconnected. Overlapping calls
// apply in arrival order.
func (m *Manager) Reconcile(ctx context.Context, desired []types.BackendConfig) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	wanted := make(map[string]types.BackendConfig, len(desired))
	for _, cfg := range desired {
		if cfg.IsEnabled() {
			wanted[cfg.Name] = cfg
		}
	}

	m.mu.RLock()
	current := make(map[string]types.BackendConfig, len(m.backends))
	for name, st := range m.backends {
		st.mu.Lock()
		current[name] = st.cfg
		st.mu.Unlock()
	}
	m.mu.RUnlock()

	// remove extras (including newly-disabled backends)
	for name := range current {
		if _, keep := wanted[name]; !keep {
			if err := m.Disconnect(name); err != nil {
				m.logger.Warn("failed to disconnect removed backend",
					zap.String("server", name), zap.Error(err))
			}
		}
	}

	for name, cfg := range wanted {
		have, exists := current[name]
		switch {
		case !exists:
			if err := m.Connect(ctx, cfg); err != nil {
				m.logger.Error("failed to add backend during reconcile",
					zap.String("server", name), zap.Error(err))
			}
		case !types.AdapterFieldsEqual(&have, &cfg):
			m.logger.Info("backend transport config changed, reconnecting", zap.String("server", name))
			if err := m.Disconnect(name); err == nil {
				if err := m.Connect(ctx, cfg); err != nil {
					m.logger.Error("failed to reconnect changed backend",
						zap.String("server", name), zap.Error(err))
				}
			}
		default:
			// adapter fields unchanged; non-adapter fields (filter, tags, budgets) may differ
			m.updateConfig(name, cfg)
		}
	}
	return nil
}

// updateConfig swaps the stored config for fields that do not require a
// reconnect and republishes the tool set if the filter or tags changed.
func (m *Manager) updateConfig(name string, cfg types.BackendConfig) {
	m.mu.RLock()
	st := m.backends[name]
	m.mu.RUnlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	previous := st.cfg
	st.cfg = cfg
	st.status.Tags = cfg.Tags
	session := st.session
	st.mu.Unlock()

	if session == nil {
		return
	}
	if reflect.DeepEqual(previous.ToolFilter, cfg.ToolFilter) && reflect.DeepEqual(previous.Tags, cfg.Tags) {
		return
	}
	// re-enumerate so a changed tool filter takes effect
	ctx, cancelEnum := context.WithTimeout(m.rootCtx, m.opts.InitTimeout)
	defer cancelEnum()
	if err := m.refreshTools(ctx, st, session); err != nil {
		m.logger.Warn("failed to refresh tools after config update",
			zap.String("server", name), zap.Error(err))
	}
}

// Call routes one tool invocation to the owning backend. The effective
// deadline is the tighter of the caller's and the backend's configured
// per-request timeout.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	st := m.backends[server]
	m.mu.RUnlock()
	if st == nil {
		return nil, errs.New(errs.KindNotConnected, "backend %s is not registered", server)
	}

	st.mu.Lock()
	session := st.session
	cfg := st.cfg
	connected := st.status.Connected
	st.mu.Unlock()

	if session == nil || !connected {
		return nil, errs.New(errs.KindNotConnected, "backend %s is not connected", server)
	}

	timeout := m.opts.CallTimeout
	if cfg.Options != nil && cfg.Options.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Options.TimeoutSeconds) * time.Second
	}
	callCtx, cancelCall := context.WithTimeout(ctx, timeout)
	defer cancelCall()

	started := time.Now()
	outcome := telemetry.ToolCallOutcomeError
	defer func() {
		m.metrics.RecordToolCall(ctx, server, tool, outcome, time.Since(started))
	}()

	result, err := session.CallTool(callCtx, tool, args)
	if err != nil {
		if errs.IsKind(err, errs.KindTransport) {
			m.noteFailure(st, err)
		}
		return nil, err
	}

	outcome = telemetry.ToolCallOutcomeSuccess
	st.mu.Lock()
	now := time.Now()
	st.status.LastSeen = &now
	st.mu.Unlock()

	return result, nil
}

// Statuses returns a snapshot of all backend statuses, sorted by name.
func (m *Manager) Statuses() []types.ServerStatus {
	m.mu.RLock()
	statuses := make([]types.ServerStatus, 0, len(m.backends))
	for _, st := range m.backends {
		st.mu.Lock()
		statuses = append(statuses, st.status)
		st.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Status returns the status of one backend, or false if it is unknown.
func (m *Manager) Status(name string) (types.ServerStatus, bool) {
	m.mu.RLock()
	st := m.backends[name]
	m.mu.RUnlock()
	if st == nil {
		return types.ServerStatus{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

// Has reports whether a backend with the given name is registered.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.backends[name]
	return ok
}

// Shutdown closes every session in parallel and waits for the monitors to
// stop, bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	states := make([]*backendState, 0, len(m.backends))
	for _, st := range m.backends {
		states = append(states, st)
	}
	m.backends = make(map[string]*backendState)
	m.mu.Unlock()

	var closers sync.WaitGroup
	for _, st := range states {
		st.mu.Lock()
		session := st.session
		st.session = nil
		st.mu.Unlock()
		if session == nil {
			continue
		}
		closers.Add(1)
		go func(s Session) {
			defer closers.Done()
			_ = s.Close()
		}(session)
	}

	done := make(chan struct{})
	go func() {
		closers.Wait()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, ctx.Err(), "shutdown drain period exceeded")
	}
}

// connectSession dials the backend, runs the handshake, enumerates tools
// and publishes them. It is called from Connect and from the monitor's
// reconnect path; the caller must not hold st.mu.
func (m *Manager) connectSession(ctx context.Context, st *backendState) error {
	st.mu.Lock()
	cfg := st.cfg
	st.mu.Unlock()

	session, err := m.newSession(cfg, m.logger)
	if err != nil {
		m.setDisconnected(st, err)
		return err
	}

	initCtx, cancelInit := context.WithTimeout(ctx, m.opts.InitTimeout)
	defer cancelInit()
	if err := session.Initialize(initCtx); err != nil {
		_ = session.Close()
		m.setDisconnected(st, err)
		return err
	}

	if err := m.refreshTools(initCtx, st, session); err != nil {
		_ = session.Close()
		m.setDisconnected(st, err)
		return err
	}

	st.mu.Lock()
	st.session = session
	now := time.Now()
	st.status.Connected = true
	st.status.LastSeen = &now
	st.status.ErrorMessage = ""
	st.status.HealthStatus = types.HealthHealthy
	st.probeFailures = 0
	st.errorTimes = nil
	st.throttledTill = time.Time{}
	st.mu.Unlock()

	m.logger.Info("backend connected",
		zap.String("server", cfg.Name),
		zap.Int("tools", m.registry.CountByServer()[cfg.Name]),
	)
	return nil
}

// refreshTools enumerates the session's tools and atomically replaces the
// backend's slice of the registry.
func (m *Manager) refreshTools(ctx context.Context, st *backendState, session Session) error {
	st.mu.Lock()
	cfg := st.cfg
	st.mu.Unlock()

	descriptors, err := session.ListTools(ctx)
	if err != nil {
		return err
	}

	tools := buildTools(&cfg, descriptors)
	m.registry.ReplaceServer(cfg.Name, tools)

	st.mu.Lock()
	st.status.ToolCount = len(tools)
	st.mu.Unlock()
	return nil
}

// setDisconnected records a failure on the status without touching the session.
func (m *Manager) setDisconnected(st *backendState, cause error) {
	st.mu.Lock()
	st.status.Connected = false
	st.status.HealthStatus = types.HealthUnhealthy
	st.status.ErrorMessage = errs.Detail(cause)
	st.mu.Unlock()
}

// noteFailure records a transport failure for the circuit breaker, tears
// the session down and wakes the monitor to reconnect.
func (m *Manager) noteFailure(st *backendState, cause error) {
	now := time.Now()

	st.mu.Lock()
	st.errorTimes = pruneOlderThan(append(st.errorTimes, now), now.Add(-time.Minute))
	if len(st.errorTimes) > 2*m.opts.MaxErrorsPerMinute {
		st.throttledTill = now.Add(m.opts.BreakerCooldown)
		m.logger.Warn("backend circuit breaker tripped",
			zap.String("server", st.cfg.Name),
			zap.Time("until", st.throttledTill),
		)
	}
	session := st.session
	st.session = nil
	st.status.Connected = false
	st.status.HealthStatus = types.HealthUnhealthy
	st.status.ErrorMessage = errs.Detail(cause)
	st.mu.Unlock()

	if session != nil {
		go func() { _ = session.Close() }()
	}

	select {
	case st.kick <- struct{}{}:
	default:
	}
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
