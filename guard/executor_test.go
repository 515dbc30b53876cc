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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/ArkTechNWA/postgres-mcp/config"
	"github.com/ArkTechNWA/postgres-mcp/pool"
)

func newTestExecutor(t *testing.T, cfg *config.Config) (*Executor, *Manager, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	p, err := pool.NewWithDB(db, pool.Config{
		MaxConnections: cfg.MaxConnections,
		MinConnections: 0,
		ConnectionTTL:  time.Hour,
		IdleTimeout:    time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	mgr := NewManager(cfg, p.Ping, p, nil)
	return NewExecutor(mgr, p, nil), mgr, mock
}

func TestExecutorQuerySuccess(t *testing.T) {
	exec, mgr, mock := newTestExecutor(t, config.Default())

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(1, "alpha").
		AddRow(2, []byte("beta"))
	mock.ExpectQuery("SELECT id, name FROM t").WillReturnRows(rows)

	res, err := exec.Query(context.Background(), "SELECT id, name FROM t", nil, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}

	if res.RowCount != 2 {
		t.Errorf("row count = %d, want 2", res.RowCount)
	}
	if res.Rows[1]["name"] != "beta" {
		t.Errorf("[]byte not converted to string: %v", res.Rows[1]["name"])
	}
	if len(res.Columns) != 2 {
		t.Errorf("columns = %v", res.Columns)
	}

	stats := mgr.Stats()
	if stats.Circuit != CircuitClosed || stats.RecentFailures != 0 {
		t.Errorf("breaker disturbed by a success: %+v", stats)
	}
}

func TestExecutorQueryMaxRows(t *testing.T) {
	exec, _, mock := newTestExecutor(t, config.Default())

	rows := sqlmock.NewRows([]string{"id"})
	for i := 1; i <= 5; i++ {
		rows.AddRow(i)
	}
	mock.ExpectQuery("SELECT id FROM t").WillReturnRows(rows)

	res, err := exec.Query(context.Background(), "SELECT id FROM t", nil, CallOptions{MaxRows: 2})
	if err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if res.RowCount != 2 {
		t.Errorf("row count = %d, want capped 2", res.RowCount)
	}
}

func TestExecutorCircuitOpenShortCircuits(t *testing.T) {
	exec, mgr, _ := newTestExecutor(t, config.Default())

	for i := 0; i < 5; i++ {
		mgr.RecordFailure("SELECT 1")
	}

	start := time.Now()
	_, err := exec.Query(context.Background(), "SELECT id FROM t", nil, CallOptions{})
	elapsed := time.Since(start)

	f := AsFailure(err)
	if f == nil || f.Kind != FailureCircuitOpen {
		t.Fatalf("failure = %v, want circuit_open", err)
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("refusal took %v, should be immediate", elapsed)
	}
	// No sqlmock expectation was set: the call must not have reached the
	// database at all
}

func TestExecutorQueryErrorClassified(t *testing.T) {
	exec, mgr, mock := newTestExecutor(t, config.Default())

	mock.ExpectQuery("SELECT bogus").
		WillReturnError(&pq.Error{Code: "42601", Message: "syntax error at or near"})

	_, err := exec.Query(context.Background(), "SELECT bogus", nil, CallOptions{})
	f := AsFailure(err)
	if f == nil || f.Kind != FailureQueryError {
		t.Fatalf("failure = %v, want query_error", err)
	}
	if f.Retryable {
		t.Error("query_error must not be retryable")
	}

	if stats := mgr.Stats(); stats.RecentFailures != 1 {
		t.Errorf("recent_failures = %d, want 1", stats.RecentFailures)
	}
}

func TestExecutorPermissionDenied(t *testing.T) {
	exec, _, mock := newTestExecutor(t, config.Default())

	mock.ExpectQuery("SELECT secret FROM vault").
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied for table vault"})

	_, err := exec.Query(context.Background(), "SELECT secret FROM vault", nil, CallOptions{})
	f := AsFailure(err)
	if f == nil || f.Kind != FailurePermissionDenied {
		t.Fatalf("failure = %v, want permission_denied", err)
	}
}

func TestExecutorExplainAnalyzeFailureExcluded(t *testing.T) {
	exec, mgr, mock := newTestExecutor(t, config.Default())

	mock.ExpectQuery("EXPLAIN ANALYZE SELECT").
		WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"})

	_, err := exec.Query(context.Background(), "EXPLAIN ANALYZE SELECT * FROM big", nil, CallOptions{})
	f := AsFailure(err)
	if f == nil || f.Kind != FailureTimeout {
		t.Fatalf("failure = %v, want timeout", err)
	}

	stats := mgr.Stats()
	if stats.RecentFailures != 0 {
		t.Errorf("EXPLAIN ANALYZE contributed %d failures to the window", stats.RecentFailures)
	}
	if stats.Circuit != CircuitClosed {
		t.Errorf("circuit = %s, want closed", stats.Circuit)
	}
}

func TestExecutorDeadlineProducesTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.BaseTimeoutMS = 50
	cfg.MinTimeoutMS = 10
	exec, _, mock := newTestExecutor(t, cfg)

	rows := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery("SELECT pg_sleep").
		WillDelayFor(500 * time.Millisecond).
		WillReturnRows(rows)

	start := time.Now()
	_, err := exec.Query(context.Background(), "SELECT pg_sleep(10)", nil, CallOptions{})
	elapsed := time.Since(start)

	f := AsFailure(err)
	if f == nil || f.Kind != FailureTimeout {
		t.Fatalf("failure = %v, want timeout", err)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("call took %v, deadline was 50ms", elapsed)
	}
}

func TestExecutorOuterCancellation(t *testing.T) {
	exec, _, mock := newTestExecutor(t, config.Default())

	rows := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery("SELECT id FROM slow").
		WillDelayFor(2 * time.Second).
		WillReturnRows(rows)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Query(ctx, "SELECT id FROM slow", nil, CallOptions{})
	f := AsFailure(err)
	if f == nil || f.Kind != FailureCancelled {
		t.Fatalf("failure = %v, want cancelled", err)
	}
	if f.Retryable {
		t.Error("cancelled must not be retryable")
	}
}

func TestExecutorExecSuccess(t *testing.T) {
	exec, _, mock := newTestExecutor(t, config.Default())

	mock.ExpectExec("UPDATE t SET x").
		WithArgs("v", 1).
		WillReturnResult(sqlmock.NewResult(0, 3))

	res, err := exec.Exec(context.Background(), "UPDATE t SET x=$1 WHERE id=$2", []interface{}{"v", 1}, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if res.RowsAffected != 3 {
		t.Errorf("rows affected = %d, want 3", res.RowsAffected)
	}
}

func TestExecutorBoundedWallTime(t *testing.T) {
	// Connect deadline + planned deadline is the ceiling for any call
	cfg := config.Default()
	cfg.BaseTimeoutMS = 100
	cfg.MinTimeoutMS = 10
	cfg.ConnectionTimeoutMS = 100
	exec, _, mock := newTestExecutor(t, cfg)

	rows := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery("SELECT id FROM t").
		WillDelayFor(5 * time.Second).
		WillReturnRows(rows)

	start := time.Now()
	exec.Query(context.Background(), "SELECT id FROM t", nil, CallOptions{})
	elapsed := time.Since(start)

	ceiling := time.Duration(cfg.ConnectionTimeoutMS+cfg.BaseTimeoutMS)*time.Millisecond + 50*time.Millisecond
	if elapsed > ceiling {
		t.Errorf("wall time %v exceeded ceiling %v", elapsed, ceiling)
	}
}

func TestExecutorTripsBreakerAfterRepeatedFailures(t *testing.T) {
	exec, mgr, mock := newTestExecutor(t, config.Default())

	for i := 0; i < 5; i++ {
		mock.ExpectQuery("SELECT id FROM t").
			WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	}

	for i := 0; i < 5; i++ {
		_, err := exec.Query(context.Background(), "SELECT id FROM t", nil, CallOptions{})
		if AsFailure(err) == nil {
			t.Fatalf("call %d: expected a failure", i+1)
		}
	}

	allowed, _ := mgr.CanExecute()
	if allowed {
		t.Error("breaker should be open after 5 connection failures")
	}

	_, err := exec.Query(context.Background(), "SELECT id FROM t", nil, CallOptions{})
	if f := AsFailure(err); f == nil || f.Kind != FailureCircuitOpen {
		t.Errorf("failure = %v, want circuit_open", err)
	}
}
