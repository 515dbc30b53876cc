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

// Package gateway is the tool surface of postgres-mcp.
//
// It reads one JSON request per line from stdin, dispatches to a tool
// handler (query, execute, list_tables, describe_table, explain, stats,
// health), and writes one JSON response per line to stdout. The query,
// execute and explain tools check the caller's SQL with the pre-flight
// policy engine; every database-touching tool runs its statement through
// the guard. The gateway itself only shapes requests and responses. An admin HTTP listener serves /health and /metrics for
// operators.
package gateway
