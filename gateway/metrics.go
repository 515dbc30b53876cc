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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ArkTechNWA/postgres-mcp/guard"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgmcp_requests_total",
			Help: "Total number of tool requests processed by the gateway",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgmcp_request_duration_milliseconds",
			Help:    "Tool request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"tool"},
	)
	promBlockedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgmcp_blocked_requests_total",
			Help: "Total number of requests rejected by pre-flight policy",
		},
	)
	promFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgmcp_failures_total",
			Help: "Total number of guarded-call failures by kind",
		},
		[]string{"type"},
	)
	promCircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgmcp_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
	)
	promPoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgmcp_pool_connections",
			Help: "Connection pool occupancy",
		},
		[]string{"state"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promBlockedRequests)
	prometheus.MustRegister(promFailuresTotal)
	prometheus.MustRegister(promCircuitState)
	prometheus.MustRegister(promPoolConnections)
}

// observeStats mirrors the manager snapshot into the gauges. Called from
// the admin health handler so scrapes see fresh values.
func observeStats(stats guard.Stats) {
	switch stats.Circuit {
	case guard.CircuitClosed:
		promCircuitState.Set(0)
	case guard.CircuitHalfOpen:
		promCircuitState.Set(1)
	case guard.CircuitOpen:
		promCircuitState.Set(2)
	}
	promPoolConnections.WithLabelValues("total").Set(float64(stats.Pool.Total))
	promPoolConnections.WithLabelValues("idle").Set(float64(stats.Pool.Idle))
	promPoolConnections.WithLabelValues("waiting").Set(float64(stats.Pool.Waiting))
}
