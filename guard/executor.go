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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ArkTechNWA/postgres-mcp/pool"
	"github.com/ArkTechNWA/postgres-mcp/shared/logger"
)

// CallOptions tune one guarded call.
type CallOptions struct {
	// MaxRows caps the number of rows scanned; 0 means no cap.
	MaxRows int
	// Override replaces the planned deadline, clamped into the configured
	// bounds; 0 means plan adaptively.
	Override time.Duration
}

// QueryResult is the outcome of a guarded read.
type QueryResult struct {
	Rows     []map[string]interface{} `json:"rows"`
	RowCount int                      `json:"row_count"`
	Columns  []string                 `json:"fields"`
	Duration time.Duration            `json:"-"`
}

// ExecResult is the outcome of a guarded write.
type ExecResult struct {
	RowsAffected int64         `json:"rows_affected"`
	Duration     time.Duration `json:"-"`
}

// Executor runs statements through the full guard sequence: breaker gate,
// planned deadline, bounded acquisition, classified failure, outcome
// recording. No call it makes blocks past
// connect deadline + planned deadline.
type Executor struct {
	mgr     *Manager
	pool    *pool.Pool
	log     *logger.Logger
	connect time.Duration
}

// NewExecutor builds an Executor over the manager and pool.
func NewExecutor(mgr *Manager, p *pool.Pool, log *logger.Logger) *Executor {
	return &Executor{
		mgr:     mgr,
		pool:    p,
		log:     log,
		connect: time.Duration(mgr.cfg.ConnectionTimeoutMS) * time.Millisecond,
	}
}

// Query runs a read statement under the guard. The returned error, when
// non-nil, is always a *Failure.
func (e *Executor) Query(ctx context.Context, query string, args []interface{}, opts CallOptions) (*QueryResult, error) {
	start := time.Now()

	conn, deadline, fail := e.admit(ctx, query, opts, start)
	if fail != nil {
		return nil, fail
	}

	qctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	rows, err := conn.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, e.fail(qctx, conn, query, err, start)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, e.fail(qctx, conn, query, err, start)
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		if opts.MaxRows > 0 && len(results) >= opts.MaxRows {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			rows.Close()
			return nil, e.fail(qctx, conn, query, err, start)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			val := values[i]
			// text/varchar come back as []byte
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, e.fail(qctx, conn, query, err, start)
	}

	// Close before release so a row-limited scan does not park the
	// connection with a pending result set
	rows.Close()

	e.mgr.RecordSuccess()
	e.pool.Release(conn, false)

	return &QueryResult{
		Rows:     results,
		RowCount: len(results),
		Columns:  columns,
		Duration: time.Since(start),
	}, nil
}

// Exec runs a write statement under the guard. The returned error, when
// non-nil, is always a *Failure.
func (e *Executor) Exec(ctx context.Context, query string, args []interface{}, opts CallOptions) (*ExecResult, error) {
	start := time.Now()

	conn, deadline, fail := e.admit(ctx, query, opts, start)
	if fail != nil {
		return nil, fail
	}

	qctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res, err := conn.ExecContext(qctx, query, args...)
	if err != nil {
		return nil, e.fail(qctx, conn, query, err, start)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}

	e.mgr.RecordSuccess()
	e.pool.Release(conn, false)

	return &ExecResult{
		RowsAffected: affected,
		Duration:     time.Since(start),
	}, nil
}

// admit performs the pre-execution steps common to Query and Exec: breaker
// gate, deadline planning, bounded acquisition. A breaker refusal comes
// back as a circuit_open *Failure without recording an outcome; a failed
// acquisition comes back as a *Failure with the failure already recorded.
func (e *Executor) admit(ctx context.Context, query string, opts CallOptions, start time.Time) (*pool.Conn, time.Duration, *Failure) {
	allowed, reason := e.mgr.CanExecute()
	if !allowed {
		return nil, 0, NewFailure(FailureCircuitOpen, reason, time.Since(start), nil)
	}

	deadline, planReason := e.mgr.Timeout(query, opts.Override)
	if e.log != nil {
		e.log.Debug("", "planned deadline", map[string]interface{}{
			"timeout_ms": deadline.Milliseconds(),
			"reason":     planReason,
		})
	}

	actx, cancel := context.WithTimeout(ctx, e.connect)
	conn, err := e.pool.Acquire(actx)
	cancel()
	if err != nil {
		e.mgr.RecordFailure(query)
		elapsed := time.Since(start)
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			// Saturation and outer cancellation both surface from the
			// acquire wait; tell them apart by the caller's context
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, 0, NewFailure(FailureCancelled, "call cancelled while waiting for a connection", elapsed, err)
			}
			return nil, 0, NewFailure(FailurePoolExhausted, "no connection slot available before the connect deadline", elapsed, err)
		default:
			return nil, 0, NewFailure(FailureConnectionFailed, "could not obtain a live connection within the connect deadline", elapsed, err)
		}
	}

	return conn, deadline, nil
}

// fail classifies an execution-phase error, records the outcome, and
// releases the connection, marking it damaged on connectivity failures so
// it is not reused. When the statement's context has ended, its error is
// chained in front of the driver's so a deadline classifies as timeout and
// an outer cancellation as cancelled.
func (e *Executor) fail(ctx context.Context, conn *pool.Conn, query string, err error, start time.Time) *Failure {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w: %w", cerr, err)
	}
	f := Classify(err, time.Since(start))
	e.mgr.RecordFailure(query)

	damaged := f.Kind == FailureConnectionFailed
	e.pool.Release(conn, damaged)

	if e.log != nil {
		e.log.ErrorWithCause("", "guarded call failed", err, map[string]interface{}{
			"type":        string(f.Kind),
			"duration_ms": f.DurationMS,
		})
	}
	return f
}
