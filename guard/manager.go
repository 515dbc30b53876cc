// Copyright 2025 ArkTech NWA
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guard

import (
	"sync"
	"time"

	"github.com/ArkTechNWA/postgres-mcp/config"
	"github.com/ArkTechNWA/postgres-mcp/shared/logger"
)

// PoolStatser supplies pool occupancy numbers for the stats snapshot.
type PoolStatser interface {
	Stats() (total, idle, waiting int)
}

// Manager is the façade over the breaker, the health monitor, and the
// timeout planner. It owns no component state itself; it reads snapshots
// and forwards outcomes.
type Manager struct {
	cfg     *config.Config
	breaker *Breaker
	monitor *Monitor
	planner PlannerConfig
	pool    PoolStatser
	log     *logger.Logger

	startTime time.Time

	mu         sync.Mutex
	totalCalls int64
	succCalls  int64
}

// NewManager wires the guard components. pool may be nil (stats then report
// zero occupancy); log may be nil to silence transition logging.
func NewManager(cfg *config.Config, ping PingFunc, pool PoolStatser, log *logger.Logger) *Manager {
	breaker := NewBreaker(BreakerConfig{
		FailureThreshold:  cfg.CircuitFailureThreshold,
		FailureWindow:     time.Duration(cfg.CircuitFailureWindowMS) * time.Millisecond,
		OpenDuration:      time.Duration(cfg.CircuitOpenDurationMS) * time.Millisecond,
		RecoveryThreshold: cfg.CircuitRecoveryThresh,
	})
	monitor := NewMonitor(MonitorConfig{
		ProbeTimeout:     time.Duration(cfg.HealthCheckTimeoutMS) * time.Millisecond,
		HealthyInterval:  time.Duration(cfg.HealthCheckIntervalMS) * time.Millisecond,
		DegradedInterval: time.Duration(cfg.HealthDegradedIntervalMS) * time.Millisecond,
	}, ping)

	if log != nil {
		breaker.OnTransition(func(from, to CircuitState) {
			log.Warn("", "circuit state change", map[string]interface{}{
				"from": string(from), "to": string(to),
			})
		})
		monitor.OnTransition(func(from, to HealthStatus) {
			log.Warn("", "health state change", map[string]interface{}{
				"from": string(from), "to": string(to),
			})
		})
	}

	return &Manager{
		cfg:     cfg,
		breaker: breaker,
		monitor: monitor,
		planner: PlannerConfig{
			Adaptive:    cfg.AdaptiveTimeout,
			BaseTimeout: time.Duration(cfg.BaseTimeoutMS) * time.Millisecond,
			MinTimeout:  time.Duration(cfg.MinTimeoutMS) * time.Millisecond,
			MaxTimeout:  time.Duration(cfg.MaxTimeoutMS) * time.Millisecond,
		},
		pool:      pool,
		log:       log,
		startTime: time.Now(),
	}
}

// Monitor exposes the health monitor, for the scheduler and in-band probes.
func (m *Manager) Monitor() *Monitor {
	return m.monitor
}

// CanExecute asks the breaker whether a call may proceed.
func (m *Manager) CanExecute() (bool, string) {
	return m.breaker.Allow()
}

// Timeout plans the deadline for one call from its query text, the current
// health classification, and an optional user override.
func (m *Manager) Timeout(query string, override time.Duration) (time.Duration, string) {
	return PlanTimeout(m.planner, query, m.monitor.Status(), override)
}

// IsExcludedFromCircuit reports whether the query's outcome is kept out of
// the breaker window. True only for EXPLAIN ANALYZE.
func (m *Manager) IsExcludedFromCircuit(query string) bool {
	return IsExplainAnalyze(query)
}

// RecordSuccess feeds a successful outcome to the breaker.
func (m *Manager) RecordSuccess() {
	m.breaker.RecordSuccess()
	m.mu.Lock()
	m.totalCalls++
	m.succCalls++
	m.mu.Unlock()
}

// RecordFailure feeds a failed outcome to the breaker, excluding EXPLAIN
// ANALYZE diagnostics.
func (m *Manager) RecordFailure(query string) {
	m.breaker.RecordFailure(m.IsExcludedFromCircuit(query))
	m.mu.Lock()
	m.totalCalls++
	m.mu.Unlock()
}

// PoolSnapshot mirrors the pool occupancy in the stats snapshot.
type PoolSnapshot struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// ConfigSnapshot is the configuration subset echoed in the stats snapshot.
type ConfigSnapshot struct {
	BaseTimeoutMS           int  `json:"base_timeout_ms"`
	ConnectionTimeoutMS     int  `json:"connection_timeout_ms"`
	MaxConnections          int  `json:"max_connections"`
	CircuitFailureThreshold int  `json:"circuit_failure_threshold"`
	CircuitOpenDurationMS   int  `json:"circuit_open_duration_ms"`
	AdaptiveTimeout         bool `json:"adaptive_timeout"`
	MinTimeoutMS            int  `json:"min_timeout_ms"`
	MaxTimeoutMS            int  `json:"max_timeout_ms"`
}

// Stats is the health snapshot served by the health tool. The shape is
// stable for consumers.
type Stats struct {
	Status          HealthStatus   `json:"status"`
	Circuit         CircuitState   `json:"circuit"`
	CircuitOpensIn  *int64         `json:"circuit_opens_in_ms"`
	LatencyMS       int64          `json:"latency_ms"`
	LatencyP95MS    int64          `json:"latency_p95_ms"`
	Pool            PoolSnapshot   `json:"pool"`
	RecentFailures  int            `json:"recent_failures"`
	LastSuccess     *time.Time     `json:"last_success"`
	LastFailure     *time.Time     `json:"last_failure"`
	UptimePercent   float64        `json:"uptime_percent"`
	Config          ConfigSnapshot `json:"config"`
}

// Stats assembles the snapshot from component snapshots. The manager never
// reaches into component internals.
func (m *Manager) Stats() Stats {
	health := m.monitor.Snapshot()
	circuit := m.breaker.Snapshot()

	stats := Stats{
		Status:         health.Status,
		Circuit:        circuit.State,
		LatencyMS:      health.LastLatency.Milliseconds(),
		LatencyP95MS:   m.monitor.LatencyP95().Milliseconds(),
		RecentFailures: circuit.FailureCount,
		Config: ConfigSnapshot{
			BaseTimeoutMS:           m.cfg.BaseTimeoutMS,
			ConnectionTimeoutMS:     m.cfg.ConnectionTimeoutMS,
			MaxConnections:          m.cfg.MaxConnections,
			CircuitFailureThreshold: m.cfg.CircuitFailureThreshold,
			CircuitOpenDurationMS:   m.cfg.CircuitOpenDurationMS,
			AdaptiveTimeout:         m.cfg.AdaptiveTimeout,
			MinTimeoutMS:            m.cfg.MinTimeoutMS,
			MaxTimeoutMS:            m.cfg.MaxTimeoutMS,
		},
	}

	if circuit.State == CircuitOpen {
		ms := circuit.OpensIn.Milliseconds()
		stats.CircuitOpensIn = &ms
	}
	if !health.LastSuccess.IsZero() {
		t := health.LastSuccess
		stats.LastSuccess = &t
	}
	if !health.LastFailure.IsZero() {
		t := health.LastFailure
		stats.LastFailure = &t
	}

	if m.pool != nil {
		total, idle, waiting := m.pool.Stats()
		stats.Pool = PoolSnapshot{Total: total, Idle: idle, Waiting: waiting}
	}

	m.mu.Lock()
	total, succ := m.totalCalls, m.succCalls
	m.mu.Unlock()
	if total == 0 {
		stats.UptimePercent = 100
	} else {
		stats.UptimePercent = float64(succ) / float64(total) * 100
	}

	return stats
}
