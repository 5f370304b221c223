package upstream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/toolgate/pkg/types"
)

// consecutiveFailureLimit is how many probes in a row must fail before a
// backend is declared unhealthy and reconnected.
const consecutiveFailureLimit = 3

// monitor is the per-backend loop: while connected it probes health at the
// configured interval; while disconnected it reconnects with exponential
// backoff, honoring the circuit breaker.
func (m *Manager) monitor(ctx context.Context, st *backendState) {
	interval, timeout, enabled := m.healthParams(st)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.kick:
			// a tool call hit a transport failure; reconnect now
			m.reconnectLoop(ctx, st)
		case <-ticker.C:
			st.mu.Lock()
			connected := st.status.Connected
			session := st.session
			st.mu.Unlock()

			if !connected || session == nil {
				m.reconnectLoop(ctx, st)
				continue
			}
			if !enabled {
				continue
			}
			m.probe(ctx, st, session, timeout)
		}
	}
}

// healthParams resolves the backend's probe settings against the gateway defaults.
func (m *Manager) healthParams(st *backendState) (interval, timeout time.Duration, enabled bool) {
	st.mu.Lock()
	health := st.cfg.Health
	st.mu.Unlock()

	interval = m.opts.HealthInterval
	timeout = m.opts.HealthTimeout
	enabled = true
	if health != nil {
		enabled = health.Enabled
		if health.IntervalSeconds > 0 {
			interval = time.Duration(health.IntervalSeconds) * time.Second
		}
		if health.TimeoutSeconds > 0 {
			timeout = time.Duration(health.TimeoutSeconds) * time.Second
		}
	}
	return interval, timeout, enabled
}

// probe runs one health check. Three consecutive failures mark the backend
// unhealthy and trigger a reconnect.
func (m *Manager) probe(ctx context.Context, st *backendState, session Session, timeout time.Duration) {
	probeCtx, cancelProbe := context.WithTimeout(ctx, timeout)
	err := session.Ping(probeCtx)
	cancelProbe()

	now := time.Now()
	st.mu.Lock()
	st.status.LastHealthCheck = &now
	if err == nil {
		st.probeFailures = 0
		st.status.HealthStatus = types.HealthHealthy
		st.status.LastSeen = &now
		st.mu.Unlock()
		return
	}
	st.probeFailures++
	failures := st.probeFailures
	st.mu.Unlock()

	m.logger.Warn("health probe failed",
		zap.String("server", st.cfg.Name),
		zap.Int("consecutive", failures),
		zap.Error(err),
	)

	if failures >= consecutiveFailureLimit {
		m.noteFailure(st, err)
		m.reconnectLoop(ctx, st)
	}
}

// reconnectLoop tries to re-establish the session: backoff doubling from
// BackoffBase for up to retryCount attempts, then the long-term retry
// cadence until it succeeds or the monitor stops. The circuit breaker's
// cooldown is respected before every attempt.
func (m *Manager) reconnectLoop(ctx context.Context, st *backendState) {
	st.mu.Lock()
	if st.status.Connected {
		st.mu.Unlock()
		return
	}
	retryCount := m.opts.DefaultRetryCount
	if st.cfg.Options != nil && st.cfg.Options.RetryCount > 0 {
		retryCount = st.cfg.Options.RetryCount
	}
	name := st.cfg.Name
	st.mu.Unlock()

	attempt := 0
	for {
		if !m.waitForBreaker(ctx, st) {
			return
		}

		delay := m.opts.LongRetryInterval
		if attempt < retryCount {
			delay = m.opts.BackoffBase << attempt
			if delay > m.opts.LongRetryInterval {
				delay = m.opts.LongRetryInterval
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		m.metrics.RecordReconnect(ctx, name)
		m.logger.Info("reconnecting to backend",
			zap.String("server", name), zap.Int("attempt", attempt+1))

		if err := m.connectSession(ctx, st); err == nil {
			return
		}
		attempt++
	}
}

// waitForBreaker blocks until the backend's throttle window has passed.
// Returns false if the context ended first.
func (m *Manager) waitForBreaker(ctx context.Context, st *backendState) bool {
	for {
		st.mu.Lock()
		wait := time.Until(st.throttledTill)
		st.mu.Unlock()
		if wait <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}
