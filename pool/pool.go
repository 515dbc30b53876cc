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

package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ArkTechNWA/postgres-mcp/shared/logger"
)

var (
	// ErrPoolExhausted means no connection slot freed up before the
	// acquisition deadline.
	ErrPoolExhausted = errors.New("pool: no connection slot available")

	// ErrConnectionFailed means a slot was available but no live
	// connection could be established or validated.
	ErrConnectionFailed = errors.New("pool: could not obtain a live connection")

	// ErrClosed means the pool has been shut down.
	ErrClosed = errors.New("pool: closed")
)

// validationAge is the borrow age beyond which a connection is re-validated
// before use.
const validationAge = 30 * time.Second

// validationTimeout bounds the borrow-time validation ping.
const validationTimeout = 1 * time.Second

// Config holds the pool tunables.
type Config struct {
	DSN              string
	MaxConnections   int
	MinConnections   int
	ConnectionTTL    time.Duration
	IdleTimeout      time.Duration
	ValidateOnBorrow bool
}

// Conn is one pooled connection with its creation timestamp, which the
// release discipline and borrow-time validation both need.
type Conn struct {
	sc        *sql.Conn
	createdAt time.Time
	idleSince time.Time
}

// Age returns how long ago the connection was created.
func (c *Conn) Age() time.Duration {
	return time.Since(c.createdAt)
}

// QueryContext runs a query on this connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.sc.QueryContext(ctx, query, args...)
}

// ExecContext runs a statement on this connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.sc.ExecContext(ctx, query, args...)
}

// PingContext validates the connection.
func (c *Conn) PingContext(ctx context.Context) error {
	return c.sc.PingContext(ctx)
}

// Pool hands out connections under a hard acquisition deadline and retires
// them by age. database/sql does not expose per-connection timestamps or
// distinguish saturation from dial failure, so the discipline lives here.
type Pool struct {
	cfg Config
	db  *sql.DB
	log *logger.Logger

	slots   chan struct{}
	waiting atomic.Int64

	mu     sync.Mutex
	idle   []*Conn
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New opens the database and builds the pool. MinConnections are dialed
// eagerly; failure to warm them is fatal because it means the database is
// unreachable at startup.
func New(cfg Config, log *logger.Logger) (*Pool, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pool: open database: %w", err)
	}
	p, err := NewWithDB(db, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewWithDB builds the pool over an already-open database handle. Tests
// inject a mocked handle here.
func NewWithDB(db *sql.DB, cfg Config, log *logger.Logger) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("pool: max connections must be positive, got %d", cfg.MaxConnections)
	}

	// database/sql is the dialer underneath; cap it at our bound and
	// disable its own idle reaping so ours is authoritative
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	p := &Pool{
		cfg:       cfg,
		db:        db,
		log:       log,
		slots:     make(chan struct{}, cfg.MaxConnections),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		p.slots <- struct{}{}
	}

	if err := p.warm(); err != nil {
		return nil, err
	}

	go p.sweepLoop()
	return p, nil
}

// warm dials MinConnections and parks them in the idle set.
func (p *Pool) warm() error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, err := p.dial(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("pool: warm connection %d: %w", i+1, err)
		}
		p.mu.Lock()
		c.idleSince = time.Now()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	return nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	sc, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return &Conn{sc: sc, createdAt: time.Now()}, nil
}

// Acquire returns a connection before ctx's deadline or not at all.
// Saturation past the deadline yields ErrPoolExhausted; dial or validation
// failure yields ErrConnectionFailed. With ValidateOnBorrow set, an idle
// connection older than the validation age is pinged first; on failure it
// is discarded and acquisition retries exactly once under the remaining
// deadline.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	p.waiting.Add(1)
	select {
	case <-p.slots:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	}

	// Slot held from here; return it on any failure path
	for attempt := 0; attempt < 2; attempt++ {
		c := p.popIdle()
		if c == nil {
			dialed, err := p.dial(ctx)
			if err != nil {
				p.slots <- struct{}{}
				return nil, err
			}
			return dialed, nil
		}

		if p.cfg.ValidateOnBorrow && c.Age() > validationAge {
			vctx, cancel := context.WithTimeout(ctx, validationTimeout)
			err := c.PingContext(vctx)
			cancel()
			if err != nil {
				c.sc.Close()
				if p.log != nil {
					p.log.Warn("", "discarded stale connection on borrow", map[string]interface{}{
						"age_ms": c.Age().Milliseconds(),
					})
				}
				continue
			}
		}
		return c, nil
	}

	// Two validation casualties in a row: dial fresh under what is left
	dialed, err := p.dial(ctx)
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}
	return dialed, nil
}

// Release returns a connection to the pool. Damaged connections and
// connections at or past their TTL are closed instead of parked.
func (p *Pool) Release(c *Conn, damaged bool) {
	defer func() { p.slots <- struct{}{} }()

	if c == nil {
		return
	}

	if damaged || c.Age() >= p.cfg.ConnectionTTL {
		c.sc.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.sc.Close()
		return
	}
	c.idleSince = time.Now()
	p.idle = append(p.idle, c)
}

// popIdle takes the most recently used idle connection.
func (p *Pool) popIdle() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	c := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return c
}

// Ping performs one liveness round-trip, used by the health monitor.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats returns pool occupancy: total connections checked out or idle,
// idle count, and callers blocked in Acquire.
func (p *Pool) Stats() (total, idle, waiting int) {
	p.mu.Lock()
	idle = len(p.idle)
	p.mu.Unlock()

	inUse := p.cfg.MaxConnections - len(p.slots)
	return inUse + idle, idle, int(p.waiting.Load())
}

// sweepLoop closes idle connections past the idle timeout.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var kept []*Conn
	var expired []*Conn
	for _, c := range p.idle {
		if c.idleSince.Before(cutoff) {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range expired {
		c.sc.Close()
	}
	if len(expired) > 0 && p.log != nil {
		p.log.Debug("", "idle sweep closed connections", map[string]interface{}{
			"closed": len(expired),
		})
	}
}

// Close stops the sweep, closes idle connections, and shuts the database
// handle. In-flight connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.sweepStop)
	<-p.sweepDone

	for _, c := range idle {
		c.sc.Close()
	}
	return p.db.Close()
}
