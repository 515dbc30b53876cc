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
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ArkTechNWA/postgres-mcp/guard"
	"github.com/ArkTechNWA/postgres-mcp/shared/logger"
)

// AdminServer exposes /health and /metrics for operators and scrapers. It
// is a sidecar observability surface; tool traffic never flows through it.
type AdminServer struct {
	mgr *guard.Manager
	log *logger.Logger
	srv *http.Server
}

// NewAdminServer builds the admin HTTP listener.
func NewAdminServer(addr string, mgr *guard.Manager, log *logger.Logger) *AdminServer {
	a := &AdminServer{mgr: mgr, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := cors.Default().Handler(r)

	a.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := a.mgr.Stats()
	observeStats(stats)

	w.Header().Set("Content-Type", "application/json")
	if stats.Status == guard.HealthUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.log.ErrorWithCause("", "failed to encode health response", err, nil)
	}
}

// Start begins serving in the background.
func (a *AdminServer) Start() {
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.ErrorWithCause("", "admin listener failed", err, nil)
		}
	}()
}

// Stop shuts the listener down, bounding the drain.
func (a *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}
