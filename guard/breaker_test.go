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
	"strings"
	"testing"
	"time"
)

// fakeClock lets the tests march the breaker through time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		OpenDuration:      30 * time.Second,
		RecoveryThreshold: 2,
	})
	b.now = clock.now
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker()

	if allowed, _ := b.Allow(); !allowed {
		t.Error("new breaker should allow calls")
	}
	if snap := b.Snapshot(); snap.State != CircuitClosed {
		t.Errorf("state = %s, want closed", snap.State)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordFailure(false)
		if snap := b.Snapshot(); snap.State != CircuitClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}

	b.RecordFailure(false)
	snap := b.Snapshot()
	if snap.State != CircuitOpen {
		t.Fatalf("state = %s after 5 failures, want open", snap.State)
	}
	if snap.OpenedAt.IsZero() {
		t.Error("opened_at must be set while open")
	}

	allowed, reason := b.Allow()
	if allowed {
		t.Error("open breaker should refuse calls")
	}
	if !strings.HasPrefix(reason, "Circuit open. Retry in ") || !strings.HasSuffix(reason, "s") {
		t.Errorf("reason = %q", reason)
	}
}

func TestBreakerOpenReasonCountsDown(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}

	if _, reason := b.Allow(); reason != "Circuit open. Retry in 30s" {
		t.Errorf("reason = %q, want \"Circuit open. Retry in 30s\"", reason)
	}

	clock.advance(10 * time.Second)
	if _, reason := b.Allow(); reason != "Circuit open. Retry in 20s" {
		t.Errorf("reason = %q, want \"Circuit open. Retry in 20s\"", reason)
	}
}

func TestBreakerWindowEviction(t *testing.T) {
	b, clock := newTestBreaker()

	// Four failures, then let them age out of the 60s window
	for i := 0; i < 4; i++ {
		b.RecordFailure(false)
	}
	clock.advance(61 * time.Second)

	if snap := b.Snapshot(); snap.FailureCount != 0 {
		t.Errorf("failure count = %d after window elapsed, want 0", snap.FailureCount)
	}

	// A fresh failure starts a new count, far from the threshold
	b.RecordFailure(false)
	snap := b.Snapshot()
	if snap.State != CircuitClosed || snap.FailureCount != 1 {
		t.Errorf("state = %s, count = %d", snap.State, snap.FailureCount)
	}
}

func TestBreakerExcludedFailuresDoNotCount(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 20; i++ {
		b.RecordFailure(true)
	}

	snap := b.Snapshot()
	if snap.State != CircuitClosed {
		t.Errorf("state = %s, want closed", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", snap.FailureCount)
	}
}

func TestBreakerHalfOpenAtExactBoundary(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}

	// Queried exactly at opened_at + open_duration: transition happens
	// before Allow returns
	clock.advance(30 * time.Second)
	allowed, _ := b.Allow()
	if !allowed {
		t.Fatal("call at the open-duration boundary should be admitted as the probe")
	}
	if snap := b.Snapshot(); snap.State != CircuitHalfOpen {
		t.Errorf("state = %s, want half_open", snap.State)
	}
}

func TestBreakerRecoveryClosesAfterThreshold(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}
	clock.advance(30 * time.Second)
	b.Allow()

	b.RecordSuccess()
	if snap := b.Snapshot(); snap.State != CircuitHalfOpen {
		t.Fatalf("one success should not close yet, state = %s", snap.State)
	}

	b.RecordSuccess()
	snap := b.Snapshot()
	if snap.State != CircuitClosed {
		t.Fatalf("state = %s after recovery threshold, want closed", snap.State)
	}
	if !snap.OpenedAt.IsZero() {
		t.Error("opened_at must be cleared when closed")
	}
	if snap.FailureCount != 0 {
		t.Errorf("failure window should be cleared on close, count = %d", snap.FailureCount)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}
	openedAt := b.Snapshot().OpenedAt

	clock.advance(30 * time.Second)
	b.Allow()

	b.RecordFailure(false)
	snap := b.Snapshot()
	if snap.State != CircuitOpen {
		t.Fatalf("state = %s after half-open failure, want open", snap.State)
	}
	if !snap.OpenedAt.After(openedAt) {
		t.Error("reopening must take a fresh opened_at")
	}

	if allowed, _ := b.Allow(); allowed {
		t.Error("reopened breaker should refuse calls again")
	}
}

func TestBreakerNeverOpenToClosedDirectly(t *testing.T) {
	b, clock := newTestBreaker()

	var transitions []string
	b.OnTransition(func(from, to CircuitState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}
	clock.advance(30 * time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()

	for _, tr := range transitions {
		if tr == "open->closed" {
			t.Error("open must never transition directly to closed")
		}
	}
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreakerSuccessInClosedIsNoop(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure(false)
	b.RecordSuccess()

	// Success while closed neither clears the window nor moves state
	snap := b.Snapshot()
	if snap.State != CircuitClosed || snap.FailureCount != 1 {
		t.Errorf("state = %s, count = %d", snap.State, snap.FailureCount)
	}
}

func TestBreakerOpensInCountdown(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}

	if snap := b.Snapshot(); snap.OpensIn != 30*time.Second {
		t.Errorf("opens_in = %v, want 30s", snap.OpensIn)
	}
	clock.advance(12 * time.Second)
	if snap := b.Snapshot(); snap.OpensIn != 18*time.Second {
		t.Errorf("opens_in = %v, want 18s", snap.OpensIn)
	}
}

func TestBreakerOpenedAtOnlyWhileOpen(t *testing.T) {
	b, clock := newTestBreaker()

	if !b.Snapshot().OpenedAt.IsZero() {
		t.Error("closed breaker must not carry opened_at")
	}

	for i := 0; i < 5; i++ {
		b.RecordFailure(false)
	}
	if b.Snapshot().OpenedAt.IsZero() {
		t.Error("open breaker must carry opened_at")
	}

	clock.advance(30 * time.Second)
	b.Allow()
	if !b.Snapshot().OpenedAt.IsZero() {
		t.Error("half_open breaker must not carry opened_at")
	}
}
