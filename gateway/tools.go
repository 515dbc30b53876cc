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
	"time"

	"github.com/ArkTechNWA/postgres-mcp/guard"
)

// toolHandler runs one tool call. A returned error is surfaced in the
// failure envelope.
type toolHandler func(ctx context.Context, req Request) (interface{}, error)

// tools maps tool names to handlers.
func (s *Server) tools() map[string]toolHandler {
	return map[string]toolHandler{
		"query":          s.handleQuery,
		"execute":        s.handleExecute,
		"list_tables":    s.handleListTables,
		"describe_table": s.handleDescribeTable,
		"explain":        s.handleExplain,
		"stats":          s.handleStats,
		"health":         s.handleHealth,
	}
}

// queryArgs are the arguments of the query and execute tools.
type queryArgs struct {
	SQL       string        `json:"sql"`
	Params    []interface{} `json:"params"`
	MaxRows   int           `json:"max_rows"`
	TimeoutMS int           `json:"timeout_ms"`
}

// queryToolResult is the wire shape of a successful read.
type queryToolResult struct {
	Rows       []map[string]interface{} `json:"rows"`
	RowCount   int                      `json:"row_count"`
	Fields     []string                 `json:"fields"`
	DurationMS int64                    `json:"duration_ms"`
}

func (s *Server) handleQuery(ctx context.Context, req Request) (interface{}, error) {
	var args queryArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, protocolError("invalid query args: " + err.Error())
	}

	verdict := s.police.CheckQuery(args.SQL, args.MaxRows)
	if !verdict.Allowed {
		promBlockedRequests.Inc()
		s.log.Warn(req.ID, "query blocked by policy", map[string]interface{}{
			"reason": verdict.Reason,
			"rules":  verdict.TriggeredRules,
		})
		return nil, guard.NewFailure(guard.FailurePermissionDenied, verdict.Reason, 0, nil)
	}

	sql := verdict.RewrittenSQL
	maxRows := args.MaxRows
	if maxRows <= 0 {
		maxRows = s.cfg.DefaultRowLimit
	}

	res, err := s.exec.Query(ctx, sql, args.Params, guard.CallOptions{
		MaxRows:  maxRows,
		Override: time.Duration(args.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	return queryToolResult{
		Rows:       res.Rows,
		RowCount:   res.RowCount,
		Fields:     res.Columns,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}

// execToolResult is the wire shape of a successful write.
type execToolResult struct {
	RowsAffected int64 `json:"rows_affected"`
	DurationMS   int64 `json:"duration_ms"`
}

func (s *Server) handleExecute(ctx context.Context, req Request) (interface{}, error) {
	var args queryArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, protocolError("invalid execute args: " + err.Error())
	}

	verdict := s.police.CheckExecute(args.SQL)
	if !verdict.Allowed {
		promBlockedRequests.Inc()
		s.log.Warn(req.ID, "statement blocked by policy", map[string]interface{}{
			"reason": verdict.Reason,
			"rules":  verdict.TriggeredRules,
		})
		return nil, guard.NewFailure(guard.FailurePermissionDenied, verdict.Reason, 0, nil)
	}

	res, err := s.exec.Exec(ctx, verdict.RewrittenSQL, args.Params, guard.CallOptions{
		Override: time.Duration(args.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	return execToolResult{
		RowsAffected: res.RowsAffected,
		DurationMS:   res.Duration.Milliseconds(),
	}, nil
}

func (s *Server) handleListTables(ctx context.Context, req Request) (interface{}, error) {
	res, err := s.insp.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	return queryToolResult{
		Rows:       res.Rows,
		RowCount:   res.RowCount,
		Fields:     res.Columns,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}

type describeArgs struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func (s *Server) handleDescribeTable(ctx context.Context, req Request) (interface{}, error) {
	var args describeArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, protocolError("invalid describe_table args: " + err.Error())
	}
	if args.Table == "" {
		return nil, protocolError("describe_table requires a table name")
	}

	desc, err := s.insp.DescribeTable(ctx, args.Schema, args.Table)
	if err != nil {
		if f := guard.AsFailure(err); f != nil {
			return nil, f
		}
		return nil, protocolError(err.Error())
	}
	return desc, nil
}

type explainArgs struct {
	SQL     string `json:"sql"`
	Analyze bool   `json:"analyze"`
}

func (s *Server) handleExplain(ctx context.Context, req Request) (interface{}, error) {
	var args explainArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, protocolError("invalid explain args: " + err.Error())
	}

	// EXPLAIN ANALYZE executes the statement; it gets the same pre-flight
	// scrutiny a direct execution would
	verdict := s.police.CheckQuery(args.SQL, 0)
	if !verdict.Allowed {
		promBlockedRequests.Inc()
		return nil, guard.NewFailure(guard.FailurePermissionDenied, verdict.Reason, 0, nil)
	}

	res, err := s.insp.Explain(ctx, args.SQL, args.Analyze)
	if err != nil {
		if f := guard.AsFailure(err); f != nil {
			return nil, f
		}
		return nil, protocolError(err.Error())
	}
	return queryToolResult{
		Rows:       res.Rows,
		RowCount:   res.RowCount,
		Fields:     res.Columns,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}

type statsArgs struct {
	Scope string `json:"scope"`
}

func (s *Server) handleStats(ctx context.Context, req Request) (interface{}, error) {
	var args statsArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, protocolError("invalid stats args: " + err.Error())
		}
	}

	var res *guard.QueryResult
	var err error
	switch args.Scope {
	case "", "tables":
		res, err = s.insp.TableStats(ctx)
	case "server":
		res, err = s.insp.ServerStats(ctx)
	default:
		return nil, protocolError("unknown stats scope: " + args.Scope)
	}
	if err != nil {
		return nil, err
	}
	return queryToolResult{
		Rows:       res.Rows,
		RowCount:   res.RowCount,
		Fields:     res.Columns,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}

// handleHealth reports the manager snapshot without touching the database.
func (s *Server) handleHealth(ctx context.Context, req Request) (interface{}, error) {
	stats := s.mgr.Stats()
	observeStats(stats)
	return stats, nil
}
