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

package bridgepool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cmdbridge/cmdbridge/go/fairlock"
	"github.com/cmdbridge/cmdbridge/go/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConn is an in-memory Conn for pool tests.
type mockConn struct {
	closed  atomic.Bool
	sendErr error
	delay   time.Duration
}

func (m *mockConn) SendCommand(ctx context.Context, cmdType string, params any) (*transport.Response, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &transport.Response{Status: transport.StatusSuccess}, nil
}

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockConn) IsClosed() bool {
	return m.closed.Load()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mockFactory(created *atomic.Int64) Factory[*mockConn] {
	return func(ctx context.Context) (*mockConn, error) {
		if created != nil {
			created.Add(1)
		}
		return &mockConn{}, nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestAcquireReleaseReuse(t *testing.T) {
	var created atomic.Int64
	p := New(mockFactory(&created), Config{MaxConns: 4}, testLogger())
	defer p.Shutdown()

	ctx := context.Background()
	pc1, err := p.Acquire(ctx)
	require.NoError(t, err)

	s := p.GetStats()
	assert.Equal(t, Stats{Open: 1, InUse: 1}, s)

	p.Release(pc1)
	s = p.GetStats()
	assert.Equal(t, Stats{Open: 1, Idle: 1}, s)

	// An uncontended acquire after a release returns the same connection.
	pc2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, pc1.ID(), pc2.ID())
	assert.Equal(t, int64(1), created.Load())
	p.Release(pc2)
}

func TestNoDoubleOwnership(t *testing.T) {
	p := New(mockFactory(nil), Config{MaxConns: 3, AcquireTimeout: 5 * time.Second}, testLogger())
	defer p.Shutdown()

	var (
		mu   sync.Mutex
		held = map[uint64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				pc, err := p.Acquire(context.Background())
				require.NoError(t, err)

				mu.Lock()
				require.False(t, held[pc.ID()], "connection %d already held", pc.ID())
				held[pc.ID()] = true
				mu.Unlock()

				time.Sleep(100 * time.Microsecond)

				mu.Lock()
				held[pc.ID()] = false
				mu.Unlock()
				p.Release(pc)
			}
		}()
	}
	wg.Wait()
}

func TestRequestCapRetiresConnection(t *testing.T) {
	p := New(mockFactory(nil), Config{MaxConns: 2, MaxRequestsPerConn: 2}, testLogger())
	defer p.Shutdown()

	ctx := context.Background()
	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := pc.ID()
	p.Release(pc)

	pc, err = p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, first, pc.ID())
	p.Release(pc)

	// Second release hits the cap: the connection must be gone.
	assert.Equal(t, 0, p.GetStats().Open)

	pc, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, pc.ID())
	p.Release(pc)
}

func TestExhaustedPoolQueuesFIFO(t *testing.T) {
	p := New(mockFactory(nil), Config{MaxConns: 1, AcquireTimeout: 5 * time.Second}, testLogger())
	defer p.Shutdown()

	ctx := context.Background()
	holder, err := p.Acquire(ctx)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			pc, err := p.Acquire(ctx)
			require.NoError(t, err)
			assert.Equal(t, holder.ID(), pc.ID(), "waiter must receive the freed connection")
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			p.Release(pc)
		}(i)
		// Queue one at a time so FIFO positions are known.
		waitFor(t, func() bool { return p.GetStats().Waiting == i+1 })
	}

	p.Release(holder)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := New(mockFactory(nil), Config{MaxConns: 1, AcquireTimeout: 50 * time.Millisecond}, testLogger())
	defer p.Shutdown()

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(holder)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 50*time.Millisecond, ee.Timeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, p.GetStats().Waiting)
}

func TestRetirementServesWaiterWithReplacement(t *testing.T) {
	p := New(mockFactory(nil), Config{
		MaxConns:           1,
		MaxRequestsPerConn: 1,
		AcquireTimeout:     5 * time.Second,
	}, testLogger())
	defer p.Shutdown()

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := holder.ID()

	got := make(chan *Pooled[*mockConn], 1)
	go func() {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		got <- pc
	}()
	waitFor(t, func() bool { return p.GetStats().Waiting == 1 })

	// Release retires the capped connection and must create a fresh one
	// for the waiter.
	p.Release(holder)
	pc := <-got
	assert.NotEqual(t, first, pc.ID())
	p.Release(pc)
}

func TestLockContentionSurfacesTimeout(t *testing.T) {
	var (
		entered = make(chan struct{})
		block   = make(chan struct{})
		once    sync.Once
	)
	factory := func(ctx context.Context) (*mockConn, error) {
		once.Do(func() { close(entered) })
		<-block
		return &mockConn{}, nil
	}
	p := New(factory, Config{MaxConns: 2, LockTimeout: 50 * time.Millisecond}, testLogger())
	defer p.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Holds the pool lock for the whole factory call.
		pc, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(pc)
		}
	}()
	<-entered

	_, err := p.Acquire(context.Background())
	var te *fairlock.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pool.Acquire", te.Label)

	close(block)
	<-done
}

func TestExecuteDiscardsOnSendError(t *testing.T) {
	sendErr := errors.New("boom")
	factoryCalls := 0
	factory := func(ctx context.Context) (*mockConn, error) {
		factoryCalls++
		if factoryCalls == 1 {
			return &mockConn{sendErr: sendErr}, nil
		}
		return &mockConn{}, nil
	}
	p := New(factory, Config{MaxConns: 2}, testLogger())
	defer p.Shutdown()

	_, err := p.Execute(context.Background(), "ping", nil)
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, 0, p.GetStats().Open, "failed connection must not return to the pool")

	resp, err := p.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSuccess, resp.Status)
}

func TestHealthCheckReplenishesAndRetires(t *testing.T) {
	var created atomic.Int64
	p := New(mockFactory(&created), Config{
		MinConns:            2,
		MaxConns:            4,
		HealthCheckInterval: 10 * time.Millisecond,
	}, testLogger())
	defer p.Shutdown()

	// Replenish from empty up to MinConns.
	waitFor(t, func() bool { return p.GetStats().Open == 2 })
}

func TestHealthCheckRetiresIdleConnections(t *testing.T) {
	p := New(mockFactory(nil), Config{
		MaxConns:            2,
		IdleTimeout:         20 * time.Millisecond,
		HealthCheckInterval: 10 * time.Millisecond,
	}, testLogger())
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pc)

	waitFor(t, func() bool { return p.GetStats().Open == 0 })
	assert.True(t, pc.Conn().IsClosed())
}

func TestShutdownRejectsWaitersAndIsIdempotent(t *testing.T) {
	p := New(mockFactory(nil), Config{MaxConns: 1, AcquireTimeout: 5 * time.Second}, testLogger())

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	waitFor(t, func() bool { return p.GetStats().Waiting == 1 })

	p.Shutdown()
	require.ErrorIs(t, <-waitErr, ErrPoolClosed)

	// Late release of a held connection just closes it.
	p.Release(holder)
	assert.True(t, holder.Conn().IsClosed())

	// Second shutdown is a no-op.
	p.Shutdown()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestAcquireFactoryFailureSurfaces(t *testing.T) {
	dialErr := errors.New("connection refused")
	factory := func(ctx context.Context) (*mockConn, error) {
		return nil, dialErr
	}
	p := New(factory, Config{MaxConns: 1}, testLogger())
	defer p.Shutdown()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, p.GetStats().Open)
}

func TestShutdownDuringPendingCreate(t *testing.T) {
	var (
		entered = make(chan struct{})
		block   = make(chan struct{})
		conn    = &mockConn{}
	)
	factory := func(ctx context.Context) (*mockConn, error) {
		close(entered)
		<-block
		return conn, nil
	}
	p := New(factory, Config{MaxConns: 1, LockTimeout: 50 * time.Millisecond}, testLogger())

	acquired := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		acquired <- err
	}()
	<-entered

	// The dial holds the pool lock, so Shutdown completes on its
	// lock-timeout fallback while the create is still in flight.
	p.Shutdown()

	close(block)
	require.ErrorIs(t, <-acquired, ErrPoolClosed)
	assert.True(t, conn.IsClosed(), "connection created after shutdown must be destroyed")
	assert.Equal(t, 0, p.GetStats().Open)
}

func TestReleaseLockTimeoutLeavesReapableEntry(t *testing.T) {
	var (
		entered  = make(chan struct{})
		block    = make(chan struct{})
		once     sync.Once
		blocking atomic.Bool
	)
	factory := func(ctx context.Context) (*mockConn, error) {
		if blocking.Load() {
			once.Do(func() { close(entered) })
			<-block
		}
		return &mockConn{}, nil
	}
	p := New(factory, Config{
		MaxConns:       2,
		LockTimeout:    50 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
	}, testLogger())
	defer p.Shutdown()

	ctx := context.Background()
	pc1, err := p.Acquire(ctx)
	require.NoError(t, err)

	blocking.Store(true)
	second := make(chan *Pooled[*mockConn], 1)
	go func() {
		pc, err := p.Acquire(ctx)
		require.NoError(t, err)
		second <- pc
	}()
	<-entered

	// The second acquire's dial holds the lock; this release times out
	// and leaves a dead entry behind, still marked in use.
	p.Release(pc1)
	assert.True(t, pc1.Conn().IsClosed())

	blocking.Store(false)
	close(block)
	pc2 := <-second

	assert.Equal(t, 2, p.GetStats().Open, "dead entry still occupies the map")

	// With the live connection held, the pool looks full. The next
	// acquire must reap the dead entry and dial a fresh connection
	// rather than queue behind a phantom capacity forever.
	pc3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Open: 2, InUse: 2}, p.GetStats())
	p.Release(pc2)
	p.Release(pc3)
}

func TestHealthCheckReapsDeadInUseEntries(t *testing.T) {
	p := New(mockFactory(nil), Config{MaxConns: 2}, testLogger())
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Dead but still marked in use, as left by a release that lost
	// the lock.
	pc.Conn().Close()
	require.Equal(t, 1, p.GetStats().Open)

	p.healthCheck(context.Background())
	assert.Equal(t, 0, p.GetStats().Open)
}

func TestWaiterReplacementDialIsBounded(t *testing.T) {
	var remaining atomic.Int64
	factory := func(ctx context.Context) (*mockConn, error) {
		if d, ok := ctx.Deadline(); ok {
			remaining.Store(int64(time.Until(d)))
		}
		return &mockConn{}, nil
	}
	p := New(factory, Config{
		MaxConns:           1,
		MaxRequestsPerConn: 1,
		AcquireTimeout:     5 * time.Second,
		CreateTimeout:      100 * time.Millisecond,
	}, testLogger())
	defer p.Shutdown()

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Pooled[*mockConn], 1)
	go func() {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		got <- pc
	}()
	waitFor(t, func() bool { return p.GetStats().Waiting == 1 })

	// Retirement makes the release dial a replacement for the waiter;
	// that dial must be bounded by CreateTimeout, not AcquireTimeout.
	p.Release(holder)
	pc := <-got

	d := time.Duration(remaining.Load())
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 100*time.Millisecond)
	p.Release(pc)
}

func TestStatsDegradedWhileLockHeld(t *testing.T) {
	var (
		entered = make(chan struct{})
		block   = make(chan struct{})
	)
	factory := func(ctx context.Context) (*mockConn, error) {
		close(entered)
		<-block
		return &mockConn{}, nil
	}
	p := New(factory, Config{MaxConns: 1, LockTimeout: 50 * time.Millisecond}, testLogger())
	defer p.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pc, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(pc)
		}
	}()
	<-entered

	s := p.GetStats()
	assert.True(t, s.Degraded)
	assert.Equal(t, 0, s.Open)

	close(block)
	<-done

	s = p.GetStats()
	assert.False(t, s.Degraded)
	assert.Equal(t, 1, s.Open)
}
