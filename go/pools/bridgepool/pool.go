// Copyright 2025 The Cmdbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridgepool manages a bounded set of engine connections with
// atomic acquire/release semantics, FIFO queueing when exhausted, and
// periodic health maintenance.
//
// The pool never retries on the caller's behalf: every acquisition or
// execution failure is surfaced, and retry policy belongs to the layer
// above (see tools/retry).
package bridgepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cmdbridge/cmdbridge/go/fairlock"
	"github.com/cmdbridge/cmdbridge/go/tools/timer"
	"github.com/cmdbridge/cmdbridge/go/transport"
)

// ErrPoolClosed is returned when operating on a shut-down pool.
var ErrPoolClosed = errors.New("pool is closed")

// ExhaustedError is returned when Acquire waited the full acquire
// timeout without any connection being released.
type ExhaustedError struct {
	// Timeout is the wait bound that elapsed.
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: no connection became available within %v", e.Timeout)
}

// Config holds pool sizing and lifecycle parameters. Immutable after
// construction.
type Config struct {
	// MinConns is the connection count the health check replenishes to.
	MinConns int
	// MaxConns is the hard cap on open connections.
	MaxConns int
	// AcquireTimeout bounds how long an Acquire waits when the pool is
	// exhausted.
	AcquireTimeout time.Duration
	// IdleTimeout retires connections unused longer than this. Zero
	// disables idle retirement.
	IdleTimeout time.Duration
	// MaxRequestsPerConn retires a connection after it has served this
	// many commands, bounding slow resource drift in the engine. Zero
	// disables the cap.
	MaxRequestsPerConn uint64
	// HealthCheckInterval drives the periodic maintenance pass. Zero
	// disables it.
	HealthCheckInterval time.Duration
	// LockTimeout bounds waits on the pool's internal lock.
	LockTimeout time.Duration
	// CreateTimeout bounds a single factory dial. Dials run inside the
	// pool's critical section, so this defaults to LockTimeout: a dial
	// must not hold the lock longer than other lock users will wait.
	CreateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = c.LockTimeout
	}
	return c
}

// Pool is a bounded pool of engine connections. All state mutations
// run under a FIFO fair lock so that multi-step sequences like
// find-or-create-or-enqueue are atomic even when creation dials a
// socket.
type Pool[C Conn] struct {
	cfg     Config
	factory Factory[C]
	logger  *slog.Logger

	lock    *fairlock.Lock
	conns   map[uint64]*Pooled[C]
	waiters waitlist[C]
	nextID  atomic.Uint64

	closed  atomic.Bool
	closeCh chan struct{}
	health  *timer.PeriodicRunner
}

// New creates a pool that obtains connections from factory. The health
// check starts immediately when HealthCheckInterval is set; initial
// connections are created on demand and topped up to MinConns by the
// first health pass.
func New[C Conn](factory Factory[C], cfg Config, logger *slog.Logger) *Pool[C] {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	p := &Pool[C]{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		lock:    fairlock.New(cfg.LockTimeout, logger),
		conns:   make(map[uint64]*Pooled[C]),
		closeCh: make(chan struct{}),
	}
	p.waiters.init()

	if cfg.HealthCheckInterval > 0 {
		p.health = timer.NewPeriodicRunner(context.Background(), cfg.HealthCheckInterval)
		p.health.Start(p.healthCheck)
	}
	return p
}

// Acquire returns a connection for exclusive use. It reuses an idle
// healthy connection, creates one if the pool is under capacity, or
// queues FIFO behind earlier callers until a release frees one.
func (p *Pool[C]) Acquire(ctx context.Context) (*Pooled[C], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.lock.Acquire(ctx, "pool.Acquire"); err != nil {
		return nil, err
	}
	// Shutdown may have completed while this caller was queued on the
	// lock (or without the lock at all, on its timeout path).
	if p.closed.Load() {
		p.lock.Release()
		return nil, ErrPoolClosed
	}

	for id, pc := range p.conns {
		// An entry can be closed but still marked in use when a
		// Release or Discard lost the lock; reap it here so it does
		// not hold a MaxConns slot forever.
		if pc.conn.IsClosed() {
			delete(p.conns, id)
			continue
		}
		if pc.inUse {
			continue
		}
		pc.inUse = true
		pc.lastUsedAt = time.Now()
		p.lock.Release()
		return pc, nil
	}

	if len(p.conns) < p.cfg.MaxConns {
		// Creation stays inside the critical section: the capacity
		// check and the insert must be one atomic step even though the
		// factory dials a socket. CreateTimeout keeps the dial from
		// holding the lock past what other lock users will wait.
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
		conn, err := p.factory(cctx)
		cancel()
		if err != nil {
			p.lock.Release()
			return nil, fmt.Errorf("creating pool connection: %w", err)
		}
		if p.closed.Load() {
			p.lock.Release()
			conn.Close()
			return nil, ErrPoolClosed
		}
		pc := newPooled(p.nextID.Add(1), conn)
		pc.inUse = true
		p.conns[pc.id] = pc
		p.lock.Release()
		return pc, nil
	}

	// Enqueue before dropping the lock so a concurrent Release cannot
	// park a freed connection as idle without seeing this waiter.
	elem := p.waiters.enqueue()
	p.lock.Release()
	return p.waiters.wait(ctx, elem, p.cfg.AcquireTimeout, p.closeCh)
}

// Release returns a connection to the pool. Connections past their
// request cap or with a broken transport are retired instead of
// reused. The oldest queued waiter, if any, is served next: with the
// freed connection, or with a freshly created replacement when the
// freed one was retired.
func (p *Pool[C]) Release(pc *Pooled[C]) {
	if pc == nil {
		return
	}
	if p.closed.Load() {
		pc.conn.Close()
		return
	}
	if err := p.lock.Acquire(context.Background(), "pool.Release"); err != nil {
		// Without the lock the connection cannot be returned safely.
		// Closing it leaves a dead entry in the map; Acquire and the
		// health check reap closed entries so the slot is reclaimed.
		p.logger.Error("pool release could not take the lock, dropping connection",
			"conn_id", pc.id,
			"err", err,
		)
		pc.conn.Close()
		return
	}

	pc.inUse = false
	pc.requests++
	pc.lastUsedAt = time.Now()

	retired := pc.conn.IsClosed() ||
		(p.cfg.MaxRequestsPerConn > 0 && pc.requests >= p.cfg.MaxRequestsPerConn)
	if retired {
		delete(p.conns, pc.id)
		pc.conn.Close()
		p.serveWaiterWithNew()
	} else if p.waiters.waiting() > 0 {
		pc.inUse = true
		pc.lastUsedAt = time.Now()
		if !p.waiters.tryHandOff(pc) {
			pc.inUse = false
		}
	}

	p.lock.Release()
}

// Discard removes a connection from the pool and destroys it. Execute
// uses this when a command failed mid-exchange, since the transport's
// framing state is then unknowable.
func (p *Pool[C]) Discard(pc *Pooled[C]) {
	if pc == nil {
		return
	}
	pc.conn.Close()
	if p.closed.Load() {
		return
	}
	if err := p.lock.Acquire(context.Background(), "pool.Discard"); err != nil {
		// The dead entry stays in the map until Acquire or the health
		// check reaps it.
		p.logger.Error("pool discard could not take the lock",
			"conn_id", pc.id,
			"err", err,
		)
		return
	}
	delete(p.conns, pc.id)
	p.serveWaiterWithNew()
	p.lock.Release()
}

// serveWaiterWithNew creates a replacement connection for the oldest
// waiter after a retirement freed capacity. Creation failure is
// logged; the waiter's own timer will fire if nothing else frees up.
// Caller must hold the pool lock.
func (p *Pool[C]) serveWaiterWithNew() {
	if p.waiters.waiting() == 0 || len(p.conns) >= p.cfg.MaxConns {
		return
	}
	// This dial runs under the pool lock, so it gets the same bound as
	// any other lock holder; the waiter's own timer covers the rest.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()
	conn, err := p.factory(ctx)
	if err != nil {
		p.logger.Warn("could not create replacement connection for waiter", "err", err)
		return
	}
	pc := newPooled(p.nextID.Add(1), conn)
	pc.inUse = true
	p.conns[pc.id] = pc
	if !p.waiters.tryHandOff(pc) {
		pc.inUse = false
	}
}

// Execute acquires a connection, runs one command, and releases the
// connection. A connection whose exchange failed is discarded instead
// of released.
func (p *Pool[C]) Execute(ctx context.Context, cmdType string, params any) (*transport.Response, error) {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := pc.Conn().SendCommand(ctx, cmdType, params)
	if err != nil {
		p.Discard(pc)
		return nil, err
	}
	p.Release(pc)
	return resp, nil
}

// healthCheck retires broken and idle-expired connections, then tops
// the pool back up to MinConns. Creation failures are logged, not
// fatal; the next pass retries.
func (p *Pool[C]) healthCheck(ctx context.Context) {
	if err := p.lock.Acquire(ctx, "pool.healthCheck"); err != nil {
		p.logger.Warn("health check skipped, could not take the pool lock", "err", err)
		return
	}
	defer p.lock.Release()

	for id, pc := range p.conns {
		// Closed entries are reaped even when marked in use: a Release
		// that lost the lock leaves them behind with inUse still set.
		if pc.conn.IsClosed() {
			delete(p.conns, id)
			continue
		}
		if pc.inUse {
			continue
		}
		if p.cfg.IdleTimeout > 0 && pc.IdleTime() > p.cfg.IdleTimeout {
			p.logger.Debug("retiring idle connection", "conn_id", id, "idle", pc.IdleTime())
			delete(p.conns, id)
			pc.conn.Close()
		}
	}

	for len(p.conns) < p.cfg.MinConns {
		conn, err := p.factory(ctx)
		if err != nil {
			p.logger.Warn("health check could not replenish pool", "err", err)
			return
		}
		pc := newPooled(p.nextID.Add(1), conn)
		p.conns[pc.id] = pc
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	// Open is the total number of pooled connections.
	Open int
	// InUse is how many are currently held by callers.
	InUse int
	// Idle is how many are parked and reusable.
	Idle int
	// Waiting is how many acquirers are queued.
	Waiting int
	// Degraded reports that the pool lock could not be taken before
	// the snapshot timed out; only Waiting is meaningful then.
	Degraded bool
}

// GetStats returns a snapshot of the pool's occupancy.
func (p *Pool[C]) GetStats() Stats {
	s := Stats{Waiting: p.waiters.waiting()}
	if err := p.lock.Acquire(context.Background(), "pool.GetStats"); err != nil {
		p.logger.Warn("pool stats snapshot degraded, could not take the lock", "err", err)
		s.Degraded = true
		return s
	}
	defer p.lock.Release()
	s.Open = len(p.conns)
	for _, pc := range p.conns {
		if pc.inUse {
			s.InUse++
		}
	}
	s.Idle = s.Open - s.InUse
	return s
}

// Shutdown stops the health check, rejects all queued waiters, and
// destroys every connection. Idempotent.
func (p *Pool[C]) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.health != nil {
		p.health.Stop()
	}
	close(p.closeCh)

	if err := p.lock.Acquire(context.Background(), "pool.Shutdown"); err != nil {
		// Terminal path: close what we can even without the lock.
		p.logger.Error("pool shutdown could not take the lock", "err", err)
		for _, pc := range p.conns {
			pc.conn.Close()
		}
		return
	}
	defer p.lock.Release()
	for id, pc := range p.conns {
		pc.conn.Close()
		delete(p.conns, id)
	}
}
