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
	"fmt"
	"sync"
	"time"
)

// CircuitState is the breaker's classification.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	FailureThreshold  int
	FailureWindow     time.Duration
	OpenDuration      time.Duration
	RecoveryThreshold int
}

// Breaker is the circuit breaker gating guarded execution. Legal
// transitions: closed→open, open→half_open, half_open→closed,
// half_open→open. The failure window is pruned on every read and every
// mutation; no background timer is involved.
type Breaker struct {
	cfg BreakerConfig

	mu                sync.Mutex
	state             CircuitState
	failures          []time.Time
	openedAt          time.Time // zero unless state is open
	halfOpenSuccesses int

	// now is replaceable in tests
	now func() time.Time

	onTransition func(from, to CircuitState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: CircuitClosed,
		now:   time.Now,
	}
}

// OnTransition registers a callback invoked (under the breaker lock) on
// every state change. Used for transition logging.
func (b *Breaker) OnTransition(fn func(from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed. In the open state, once the
// open duration has elapsed the breaker moves to half_open before
// returning true, so the caller becomes the recovery probe. When the call
// is refused the second value carries the reason.
func (b *Breaker) Allow() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true, ""
	case CircuitOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed >= b.cfg.OpenDuration {
			b.transition(CircuitHalfOpen)
			b.openedAt = time.Time{}
			b.halfOpenSuccesses = 0
			return true, ""
		}
		remaining := b.cfg.OpenDuration - elapsed
		secs := int64((remaining + time.Second - 1) / time.Second)
		return false, fmt.Sprintf("Circuit open. Retry in %ds", secs)
	}
	return true, ""
}

// RecordFailure feeds one failed outcome into the window. Excluded
// outcomes (EXPLAIN ANALYZE) are dropped entirely.
func (b *Breaker) RecordFailure(excluded bool) {
	if excluded {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.prune(now)

	switch b.state {
	case CircuitHalfOpen:
		// The probe failed: back to open with a fresh opened_at
		b.transition(CircuitOpen)
		b.openedAt = now
		b.halfOpenSuccesses = 0
	case CircuitClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
			b.openedAt = now
		}
	}
}

// RecordSuccess feeds one successful outcome. A no-op while closed; in
// half_open it counts toward recovery and may close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitHalfOpen {
		return
	}

	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.cfg.RecoveryThreshold {
		b.transition(CircuitClosed)
		b.failures = nil
		b.openedAt = time.Time{}
		b.halfOpenSuccesses = 0
	}
}

// BreakerSnapshot is a point-in-time copy of the breaker state.
type BreakerSnapshot struct {
	State        CircuitState
	FailureCount int
	OpenedAt     time.Time
	OpensIn      time.Duration // remaining time until half_open; 0 unless open
}

// Snapshot returns a copy of the current state with the window pruned.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	snap := BreakerSnapshot{
		State:        b.state,
		FailureCount: len(b.failures),
		OpenedAt:     b.openedAt,
	}
	if b.state == CircuitOpen {
		if remaining := b.cfg.OpenDuration - now.Sub(b.openedAt); remaining > 0 {
			snap.OpensIn = remaining
		}
	}
	return snap
}

// prune drops failure timestamps older than the window. Caller holds the lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// transition changes state and fires the callback. Caller holds the lock.
func (b *Breaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
