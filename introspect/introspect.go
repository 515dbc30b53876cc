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

// Package introspect answers schema and statistics questions through the
// guarded executor.
package introspect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ArkTechNWA/postgres-mcp/guard"
)

// Inspector answers schema and statistics questions. Every method is an
// ordinary caller of the guarded executor; none of them bypass the guard.
type Inspector struct {
	exec *guard.Executor
}

// New creates an Inspector over the executor.
func New(exec *guard.Executor) *Inspector {
	return &Inspector{exec: exec}
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier rejects anything that is not a plain SQL identifier.
// DescribeTable checks the schema and table names with it before running
// its lookups, which pass the names as bind parameters.
func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q", name)
	}
	return nil
}

const listTablesSQL = `
SELECT t.table_schema,
       t.table_name,
       t.table_type,
       pg_total_relation_size(format('%I.%I', t.table_schema, t.table_name)) AS total_bytes
FROM information_schema.tables t
WHERE t.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY t.table_schema, t.table_name`

// ListTables returns every user table and view with its on-disk size.
func (i *Inspector) ListTables(ctx context.Context) (*guard.QueryResult, error) {
	return i.exec.Query(ctx, listTablesSQL, nil, guard.CallOptions{})
}

const describeColumnsSQL = `
SELECT c.column_name,
       c.data_type,
       c.is_nullable,
       c.column_default,
       c.character_maximum_length
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`

const describeIndexesSQL = `
SELECT indexname, indexdef
FROM pg_indexes
WHERE schemaname = $1 AND tablename = $2
ORDER BY indexname`

const describeConstraintsSQL = `
SELECT tc.constraint_name,
       tc.constraint_type,
       kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
WHERE tc.table_schema = $1 AND tc.table_name = $2
ORDER BY tc.constraint_name, kcu.ordinal_position`

// TableDescription bundles the column, index, and constraint views of one
// table.
type TableDescription struct {
	Schema      string                   `json:"schema"`
	Table       string                   `json:"table"`
	Columns     []map[string]interface{} `json:"columns"`
	Indexes     []map[string]interface{} `json:"indexes"`
	Constraints []map[string]interface{} `json:"constraints"`
}

// DescribeTable returns the columns, indexes, and constraints of a table.
// The schema defaults to public.
func (i *Inspector) DescribeTable(ctx context.Context, schema, table string) (*TableDescription, error) {
	if schema == "" {
		schema = "public"
	}
	if err := validateIdentifier(schema); err != nil {
		return nil, err
	}
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}

	args := []interface{}{schema, table}

	cols, err := i.exec.Query(ctx, describeColumnsSQL, args, guard.CallOptions{})
	if err != nil {
		return nil, err
	}
	idx, err := i.exec.Query(ctx, describeIndexesSQL, args, guard.CallOptions{})
	if err != nil {
		return nil, err
	}
	cons, err := i.exec.Query(ctx, describeConstraintsSQL, args, guard.CallOptions{})
	if err != nil {
		return nil, err
	}

	return &TableDescription{
		Schema:      schema,
		Table:       table,
		Columns:     cols.Rows,
		Indexes:     idx.Rows,
		Constraints: cons.Rows,
	}, nil
}

const tableStatsSQL = `
SELECT relname,
       seq_scan,
       idx_scan,
       n_live_tup,
       n_dead_tup,
       last_vacuum,
       last_autovacuum,
       last_analyze
FROM pg_stat_user_tables
ORDER BY n_live_tup DESC`

// TableStats returns per-table usage statistics.
func (i *Inspector) TableStats(ctx context.Context) (*guard.QueryResult, error) {
	return i.exec.Query(ctx, tableStatsSQL, nil, guard.CallOptions{})
}

const serverStatsSQL = `
SELECT version() AS server_version,
       current_database() AS database,
       pg_database_size(current_database()) AS database_bytes,
       (SELECT numbackends FROM pg_stat_database WHERE datname = current_database()) AS backends,
       (SELECT round(sum(blks_hit) * 100.0 / greatest(sum(blks_hit) + sum(blks_read), 1), 2)
          FROM pg_stat_database) AS cache_hit_percent`

// ServerStats returns server version, database size, backend count, and
// cache hit ratio.
func (i *Inspector) ServerStats(ctx context.Context) (*guard.QueryResult, error) {
	return i.exec.Query(ctx, serverStatsSQL, nil, guard.CallOptions{})
}

// Explain runs EXPLAIN over a statement, with ANALYZE actually executing
// it. ANALYZE plans get the diagnostic deadline multiplier and stay out of
// the breaker window; both are the guard's concern, keyed off the statement
// text itself.
func (i *Inspector) Explain(ctx context.Context, sql string, analyze bool) (*guard.QueryResult, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, fmt.Errorf("cannot explain an empty statement")
	}

	prefix := "EXPLAIN "
	if analyze {
		prefix = "EXPLAIN ANALYZE "
	}
	return i.exec.Query(ctx, prefix+trimmed, nil, guard.CallOptions{})
}
