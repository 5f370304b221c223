package types

import "time"

// HealthState classifies the observed health of a backend.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ServerStatus is the observable per-backend state reported by the gateway.
type ServerStatus struct {
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Connected       bool        `json:"connected"`
	LastSeen        *time.Time  `json:"last_seen,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	ToolCount       int         `json:"tool_count"`
	HealthStatus    HealthState `json:"health_status"`
	LastHealthCheck *time.Time  `json:"last_health_check,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string  `json:"status"`
	UptimeS float64 `json:"uptime_s"`
	Version string  `json:"version"`
}
