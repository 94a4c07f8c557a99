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

package fairlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUncontended(t *testing.T) {
	l := New(time.Second, nil)

	require.NoError(t, l.Acquire(context.Background(), "first"))
	l.Release()

	// Reacquirable after release.
	require.NoError(t, l.Acquire(context.Background(), "second"))
	l.Release()
}

func TestAcquireTimeout(t *testing.T) {
	l := New(50*time.Millisecond, nil)
	require.NoError(t, l.Acquire(context.Background(), "holder"))

	start := time.Now()
	err := l.Acquire(context.Background(), "contender")
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "contender", te.Label)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// The timed-out waiter must be gone from the queue.
	assert.Equal(t, 0, l.Waiting())
	l.Release()
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(time.Minute, nil)
	require.NoError(t, l.Acquire(context.Background(), "holder"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Acquire(ctx, "cancelled")
	}()

	// Wait for the contender to queue, then cancel it.
	waitFor(t, func() bool { return l.Waiting() == 1 })
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, l.Waiting())
	l.Release()
}

func TestHandOffIsFIFO(t *testing.T) {
	l := New(5*time.Second, nil)
	require.NoError(t, l.Acquire(context.Background(), "holder"))

	const waiters = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	// Queue waiters one at a time so their FIFO position is known.
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background(), "waiter"))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			l.Release()
		}(i)
		waitFor(t, func() bool { return l.Waiting() == i+1 })
	}

	l.Release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMutualExclusion(t *testing.T) {
	l := New(10*time.Second, nil)

	const (
		goroutines = 8
		iterations = 200
	)
	var (
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				require.NoError(t, l.Acquire(context.Background(), "increment"))
				counter++
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*iterations, counter)
}

func TestReleaseUnheldPanics(t *testing.T) {
	l := New(time.Second, nil)
	assert.Panics(t, func() { l.Release() })
}

func TestTimeoutErrorIsNotOtherError(t *testing.T) {
	err := error(&TimeoutError{Label: "x", Timeout: time.Second})
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), `"x"`)
}

// waitFor polls cond until it holds or the test deadline is hit.
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
