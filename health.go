package ember

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// HealthStatus is the lifecycle state of one provider.
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ProviderHealth is a snapshot of one provider's health state.
type ProviderHealth struct {
	Name                 string       `json:"name"`
	Status               HealthStatus `json:"status"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	CooldownUntil        time.Time    `json:"cooldown_until,omitzero"`
	LastError            string       `json:"last_error,omitempty"`
	LastLatencyMS        int64        `json:"last_latency_ms,omitempty"`
}

// HealthConfig tunes the cooldown state machine.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count at which a healthy
	// provider becomes unhealthy.
	FailureThreshold int
	// RecoveryThreshold is the consecutive-success count at which a degraded
	// provider becomes healthy again.
	RecoveryThreshold int
	CooldownBase      time.Duration
	CooldownMax       time.Duration
	CooldownMultiplier float64
	// ProbeInterval is the period of the optional background probe loop.
	ProbeInterval time.Duration
}

// DefaultHealthConfig returns the standard thresholds: 3 failures to open,
// 2 successes to recover, 30s base cooldown doubling up to 300s.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold:   3,
		RecoveryThreshold:  2,
		CooldownBase:       30 * time.Second,
		CooldownMax:        300 * time.Second,
		CooldownMultiplier: 2.0,
		ProbeInterval:      60 * time.Second,
	}
}

// providerState is the mutable per-provider record behind the mutex.
type providerState struct {
	status               HealthStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	cooldownUntil        time.Time
	lastError            string
	lastLatency          time.Duration
}

// HealthMonitor tracks per-provider availability for the LLM client. It is
// consulted before each attempt and updated after each outcome. Safe for
// concurrent use across turns.
type HealthMonitor struct {
	cfg    HealthConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*providerState
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// HealthLogger sets the structured logger for state transitions.
func HealthLogger(l *slog.Logger) HealthOption {
	return func(m *HealthMonitor) { m.logger = l }
}

// healthClock overrides the monitor's clock. Test hook.
func healthClock(now func() time.Time) HealthOption {
	return func(m *HealthMonitor) { m.now = now }
}

// NewHealthMonitor creates a monitor with the given config.
func NewHealthMonitor(cfg HealthConfig, opts ...HealthOption) *HealthMonitor {
	m := &HealthMonitor{
		cfg:    cfg,
		logger: nopLogger,
		now:    time.Now,
		states: make(map[string]*providerState),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *HealthMonitor) state(name string) *providerState {
	s, ok := m.states[name]
	if !ok {
		s = &providerState{status: StatusUnknown}
		m.states[name] = s
	}
	return s
}

// IsAvailable reports whether the provider may be offered for dispatch.
// An unhealthy provider inside its cooldown window is not; once the window
// expires it becomes degraded and the next call is a probe.
func (m *HealthMonitor) IsAvailable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(name)
	if s.status != StatusUnhealthy {
		return true
	}
	if m.now().Before(s.cooldownUntil) {
		return false
	}
	s.status = StatusDegraded
	s.consecutiveSuccesses = 0
	return true
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (m *HealthMonitor) RecordSuccess(name string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(name)
	s.lastLatency = latency
	s.lastError = ""
	s.consecutiveFailures = 0
	switch s.status {
	case StatusUnknown, StatusHealthy:
		s.status = StatusHealthy
	case StatusDegraded, StatusUnhealthy:
		s.consecutiveSuccesses++
		if s.consecutiveSuccesses >= m.cfg.RecoveryThreshold {
			s.status = StatusHealthy
			s.consecutiveSuccesses = 0
			m.logger.Info("provider recovered", "provider", name)
		} else {
			s.status = StatusDegraded
		}
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (m *HealthMonitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(name)
	if err != nil {
		s.lastError = err.Error()
	}
	s.consecutiveSuccesses = 0
	s.consecutiveFailures++
	switch s.status {
	case StatusUnknown:
		s.status = StatusDegraded
	case StatusHealthy, StatusDegraded:
		if s.consecutiveFailures >= m.cfg.FailureThreshold {
			s.status = StatusUnhealthy
			s.cooldownUntil = m.now().Add(m.cooldown(s.consecutiveFailures))
			m.logger.Warn("provider unhealthy",
				"provider", name,
				"failures", s.consecutiveFailures,
				"cooldown_until", s.cooldownUntil)
		}
	case StatusUnhealthy:
		// A failed probe re-opens the window with a longer cooldown.
		s.cooldownUntil = m.now().Add(m.cooldown(s.consecutiveFailures))
	}
}

// cooldown computes min(max, base · multiplier^(n−threshold)).
func (m *HealthMonitor) cooldown(failures int) time.Duration {
	exp := float64(failures - m.cfg.FailureThreshold)
	if exp < 0 {
		exp = 0
	}
	d := time.Duration(float64(m.cfg.CooldownBase) * math.Pow(m.cfg.CooldownMultiplier, exp))
	if d > m.cfg.CooldownMax {
		d = m.cfg.CooldownMax
	}
	return d
}

// Status returns a snapshot of one provider's health.
func (m *HealthMonitor) Status(name string) ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(name)
	return ProviderHealth{
		Name:                 name,
		Status:               s.status,
		ConsecutiveFailures:  s.consecutiveFailures,
		ConsecutiveSuccesses: s.consecutiveSuccesses,
		CooldownUntil:        s.cooldownUntil,
		LastError:            s.lastError,
		LastLatencyMS:        s.lastLatency.Milliseconds(),
	}
}

// ProbeFunc checks one provider's liveness. A nil error is a success.
type ProbeFunc func(ctx context.Context, provider string) error

// RunProbes runs a background probe loop for the given providers until ctx is
// cancelled. Outcomes feed the same state machine as real calls.
func (m *HealthMonitor) RunProbes(ctx context.Context, providers []string, probe ProbeFunc) {
	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range providers {
				start := m.now()
				if err := probe(ctx, name); err != nil {
					m.RecordFailure(name, err)
				} else {
					m.RecordSuccess(name, m.now().Sub(start))
				}
			}
		}
	}
}
