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

// Package fairlock provides a mutual-exclusion lock with strict FIFO
// fairness and a bounded wait. Callers that cannot obtain the lock
// within the configured timeout fail with a TimeoutError instead of
// blocking indefinitely, which turns a stuck lock holder into a
// diagnosable error rather than a hang.
//
// On release the lock is handed directly to the oldest waiter without
// ever becoming observably unlocked in between, so a late arrival can
// never barge ahead of the queue and no wake-up is ever lost.
package fairlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmdbridge/cmdbridge/go/list"
)

// TimeoutError is returned by Acquire when the lock could not be
// obtained within the bound. It usually indicates contention beyond
// what the system is sized for, or a holder stuck on a slow dependency.
type TimeoutError struct {
	// Label identifies the operation that failed to acquire the lock.
	Label string
	// Timeout is the bound that was exceeded.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock acquisition for %q timed out after %v", e.Label, e.Timeout)
}

// Lock is a FIFO-fair mutual exclusion lock with a bounded wait.
// The zero value is not usable; construct with New.
type Lock struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	locked  bool
	waiters list.List[chan struct{}]
}

// New returns a Lock whose Acquire calls give up after timeout.
// A nil logger falls back to slog.Default.
func New(timeout time.Duration, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lock{
		timeout: timeout,
		logger:  logger,
	}
	l.waiters.Init()
	return l
}

// Acquire obtains the lock, queueing behind earlier waiters if it is
// held. The label names the caller for timeout diagnostics. It returns
// a *TimeoutError if the lock was not granted within the configured
// bound, or the context's cause if ctx is cancelled first. A nil
// return means the caller holds the lock and must call Release.
func (l *Lock) Acquire(ctx context.Context, label string) error {
	l.mu.Lock()
	if !l.locked {
		l.locked = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	elem := l.waiters.PushBack(grant)
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-grant:
		return nil

	case <-timer.C:
		if l.abandon(elem) {
			l.logger.Warn("lock acquisition timed out",
				"label", label,
				"timeout", l.timeout,
			)
			return &TimeoutError{Label: label, Timeout: l.timeout}
		}
		// The hand-off raced the timer and the lock is already ours.
		<-grant
		return nil

	case <-ctx.Done():
		if l.abandon(elem) {
			return context.Cause(ctx)
		}
		// Already granted; pass the lock on before reporting cancellation.
		<-grant
		l.Release()
		return context.Cause(ctx)
	}
}

// abandon removes elem from the waiter queue. It reports false when
// the element is no longer queued, which means a Release is in the
// middle of handing the lock to this waiter.
func (l *Lock) abandon(elem *list.Element[chan struct{}]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			l.waiters.Remove(elem)
			return true
		}
	}
	return false
}

// Release releases the lock, handing it to the oldest waiter if one
// exists. It panics if the lock is not held; that is always a bug in
// the caller's acquire/release pairing.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		panic("fairlock: Release of unlocked Lock")
	}
	front := l.waiters.Front()
	if front == nil {
		l.locked = false
		l.mu.Unlock()
		return
	}
	l.waiters.Remove(front)
	l.mu.Unlock()

	// locked stays true across the hand-off: the next waiter owns the
	// lock from this point on.
	close(front.Value)
}

// Waiting returns the number of callers queued for the lock.
func (l *Lock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}
