package xmsg

import (
	"context"
	"time"
)

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Sent              uint64  `json:"sent"`
	Received          uint64  `json:"received"`
	Dispatched        uint64  `json:"dispatched"`
	FanoutErrors      uint64  `json:"fanout_errors"`
	Errors            uint64  `json:"errors"`
	EventsDropped     uint64  `json:"events_dropped"`
	Pending           int     `json:"pending"`
	AvgDispatchTimeMs float64 `json:"avg_dispatch_time_ms"`
}

// HealthStatus reports bus health.
type HealthStatus struct {
	Status    string    `json:"status"` // healthy, degraded, unhealthy
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the complete MessageBus surface.
type API interface {
	Sender
	SendAll(ctx context.Context, msgs ...any) error
	Register(ep *Endpoint) error
	Receive(env *Envelope) error
	Dispatch(ctx context.Context, env *Envelope) error
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	OnError(h ErrorHandler)
}

var (
	_ API           = (*MessageBus)(nil)
	_ HealthChecker = (*MessageBus)(nil)
)
