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

// Package main is the entry point for the postgres-mcp gateway.
//
// The gateway sits between a conversational AI agent and a PostgreSQL
// instance. It:
// - Serves tool calls (query, execute, introspect, explain, stats, health)
//   over a line-oriented stdio channel
// - Enforces pre-flight safety rules before any statement runs
// - Bounds every call with a circuit breaker, adaptive timeouts, and a
//   disciplined connection pool
//
// Usage:
//
//	./postgres-mcp -config gateway.yaml
//
// Environment Variables:
//
//	PGHOST / PGPORT / PGDATABASE / PGUSER / PGPASSWORD - connection
//	PGMCP_* - every other tunable; see config.Load
//	PGMCP_ADMIN_LISTEN_ADDR - /health and /metrics listener
package main

import (
	"github.com/ArkTechNWA/postgres-mcp/gateway"
)

func main() {
	gateway.Run()
}
