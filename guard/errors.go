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
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ArkTechNWA/postgres-mcp/pool"
)

// FailureKind is the closed set of ways a guarded call can fail. Every error
// surfaced by the executor carries exactly one of these.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureConnectionFailed FailureKind = "connection_failed"
	FailurePoolExhausted    FailureKind = "pool_exhausted"
	FailureCircuitOpen      FailureKind = "circuit_open"
	FailureQueryError       FailureKind = "query_error"
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureCancelled        FailureKind = "cancelled"
)

var retryableByKind = map[FailureKind]bool{
	FailureTimeout:          true,
	FailureConnectionFailed: true,
	FailurePoolExhausted:    true,
	FailureCircuitOpen:      true,
	FailureQueryError:       false,
	FailurePermissionDenied: false,
	FailureCancelled:        false,
}

var suggestionByKind = map[FailureKind]string{
	FailureTimeout:          "The query exceeded its deadline. Simplify it, add an index, or pass a larger timeout override.",
	FailureConnectionFailed: "Could not reach the database. Check connectivity and retry shortly.",
	FailurePoolExhausted:    "All connection slots are busy. Retry shortly or reduce concurrent calls.",
	FailureCircuitOpen:      "The database has been failing recently; calls are paused. Wait for the retry window.",
	FailureQueryError:       "The statement was rejected by the database. Fix the SQL before retrying.",
	FailurePermissionDenied: "This operation is not permitted. Rephrase the request within the allowed scope.",
	FailureCancelled:        "The call was cancelled before it completed.",
}

// Failure is the typed error every guarded call surfaces. Its JSON encoding
// is the stable failure format consumed by the tool layer.
type Failure struct {
	Kind       FailureKind `json:"type"`
	Message    string      `json:"message"`
	DurationMS int64       `json:"duration_ms"`
	Retryable  bool        `json:"retryable"`
	Suggestion string      `json:"suggestion"`
	Cause      error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return string(f.Kind) + ": " + f.Message + " (cause: " + f.Cause.Error() + ")"
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewFailure builds a Failure of the given kind, filling in retryability and
// the suggestion from the kind tables.
func NewFailure(kind FailureKind, message string, elapsed time.Duration, cause error) *Failure {
	return &Failure{
		Kind:       kind,
		Message:    message,
		DurationMS: elapsed.Milliseconds(),
		Retryable:  retryableByKind[kind],
		Suggestion: suggestionByKind[kind],
		Cause:      cause,
	}
}

// AsFailure extracts a *Failure from an error chain, or nil.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Classify maps an error observed while running a statement to the failure
// taxonomy. Acquisition-phase errors are classified by the executor before
// this is reached; Classify only sees execution-phase errors.
func Classify(err error, elapsed time.Duration) *Failure {
	if f := AsFailure(err); f != nil {
		return f
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(FailureTimeout, "query exceeded its deadline", elapsed, err)
	case errors.Is(err, context.Canceled):
		return NewFailure(FailureCancelled, "call cancelled before completion", elapsed, err)
	case errors.Is(err, pool.ErrPoolExhausted):
		return NewFailure(FailurePoolExhausted, "no connection slot available", elapsed, err)
	case errors.Is(err, pool.ErrConnectionFailed):
		return NewFailure(FailureConnectionFailed, "could not obtain a live connection", elapsed, err)
	case errors.Is(err, driver.ErrBadConn):
		return NewFailure(FailureConnectionFailed, "connection to the database was lost", elapsed, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewFailure(FailureConnectionFailed, "network error talking to the database", elapsed, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPQ(pqErr, elapsed)
	}

	// lib/pq sometimes reports dial failures as plain errors
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return NewFailure(FailureConnectionFailed, "could not reach the database", elapsed, err)
	}

	return NewFailure(FailureQueryError, msg, elapsed, err)
}

// classifyPQ maps PostgreSQL SQLSTATE codes to the taxonomy. Class 28 is
// authentication, 42501 insufficient privilege, class 08 connection errors,
// 57P01..57P03 server shutdown/crash, 57014 statement cancel (deadline).
func classifyPQ(pqErr *pq.Error, elapsed time.Duration) *Failure {
	code := string(pqErr.Code)
	switch {
	case strings.HasPrefix(code, "28") || code == "42501":
		return NewFailure(FailurePermissionDenied, pqErr.Message, elapsed, pqErr)
	case strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03":
		return NewFailure(FailureConnectionFailed, pqErr.Message, elapsed, pqErr)
	case code == "57014":
		return NewFailure(FailureTimeout, "query cancelled at its deadline", elapsed, pqErr)
	default:
		return NewFailure(FailureQueryError, pqErr.Message, elapsed, pqErr)
	}
}
