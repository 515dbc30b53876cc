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
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArkTechNWA/postgres-mcp/config"
	"github.com/ArkTechNWA/postgres-mcp/guard"
	"github.com/ArkTechNWA/postgres-mcp/introspect"
	"github.com/ArkTechNWA/postgres-mcp/policy"
	"github.com/ArkTechNWA/postgres-mcp/pool"
	"github.com/ArkTechNWA/postgres-mcp/shared/logger"
)

// Run is the process entry point: load configuration, build the pool and
// the guard, start the health scheduler and the admin listener, then serve
// stdin until EOF or a shutdown signal. Configuration and pool failures
// are fatal; nothing in-band ever is.
func Run() {
	configPath := flag.String("config", os.Getenv("PGMCP_CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("postgres-mcp: %v", err)
	}

	gatewayLog := logger.New("gateway")
	poolLog := logger.New("pool")
	guardLog := logger.New("guard")

	p, err := pool.New(pool.Config{
		DSN:              cfg.DSN(),
		MaxConnections:   cfg.MaxConnections,
		MinConnections:   cfg.MinConnections,
		ConnectionTTL:    time.Duration(cfg.ConnectionTTLMS) * time.Millisecond,
		IdleTimeout:      time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		ValidateOnBorrow: cfg.ValidateOnBorrow,
	}, poolLog)
	if err != nil {
		log.Fatalf("postgres-mcp: %v", err)
	}

	mgr := guard.NewManager(cfg, p.Ping, p, guardLog)
	exec := guard.NewExecutor(mgr, p, guardLog)
	police := policy.NewEngine(cfg.BlacklistTables, cfg.BlacklistColumns, cfg.DefaultRowLimit)
	insp := introspect.New(exec)

	scheduler := guard.NewScheduler(mgr.Monitor())
	scheduler.Start()

	admin := NewAdminServer(cfg.AdminListenAddr, mgr, gatewayLog)
	admin.Start()

	server := NewServer(cfg, mgr, exec, police, insp, gatewayLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gatewayLog.Info("", "gateway started", map[string]interface{}{
		"database":   cfg.Database,
		"admin_addr": cfg.AdminListenAddr,
	})

	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		gatewayLog.ErrorWithCause("", "serve loop ended", err, nil)
	}

	scheduler.Stop()
	admin.Stop()
	if err := p.Close(); err != nil {
		gatewayLog.ErrorWithCause("", "pool close failed", err, nil)
	}
	gatewayLog.Info("", "gateway stopped", nil)
}
