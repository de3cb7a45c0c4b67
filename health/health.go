// Package health tracks per-component health and aggregates it into the
// node-level readiness answer served over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Level is a component health level
type Level string

const (
	// Healthy means the component is fully operational
	Healthy Level = "healthy"
	// Degraded means reduced function, e.g. a reconnecting broker
	Degraded Level = "degraded"
	// Unhealthy means the component is not working
	Unhealthy Level = "unhealthy"
)

// Status is one component's health report
type Status struct {
	Component string    `json:"component"`
	Level     Level     `json:"level"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Probe produces a live status when the monitor is asked. Probes are
// preferred over pushed statuses for components that already know their
// own state, like a connection.
type Probe func() Status

// Monitor aggregates component health
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]Probe
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]Probe),
	}
}

// Set records a pushed component status
func (m *Monitor) Set(component string, level Level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[component] = Status{
		Component: component,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Register attaches a live probe for a component
func (m *Monitor) Register(component string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[component] = probe
}

// Report collects all component statuses
func (m *Monitor) Report() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := make([]Status, 0, len(m.statuses)+len(m.probes))
	for _, status := range m.statuses {
		report = append(report, status)
	}
	for component, probe := range m.probes {
		status := probe()
		status.Component = component
		if status.Timestamp.IsZero() {
			status.Timestamp = time.Now()
		}
		report = append(report, status)
	}
	return report
}

// Overall reduces the report to one level: any unhealthy component makes
// the node unhealthy, otherwise any degraded one makes it degraded.
func (m *Monitor) Overall() Level {
	level := Healthy
	for _, status := range m.Report() {
		switch status.Level {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			level = Degraded
		}
	}
	return level
}

// Handler serves the aggregated report. Unhealthy maps to 503 so load
// balancers and orchestrators can act on it directly.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		overall := m.Overall()
		code := http.StatusOK
		if overall == Unhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(struct {
			Status     Level    `json:"status"`
			Components []Status `json:"components"`
		}{Status: overall, Components: m.Report()})
	})
}
