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

// Package retry implements exponential backoff with full jitter.
//
// The pool and the admission controller deliberately never retry;
// retry policy lives here, composed on top of them by whoever owns
// the operation.
//
// Usage:
//
//	r := retry.New(100*time.Millisecond, 30*time.Second)
//	for {
//	    if err := r.StartAttempt(ctx); err != nil {
//	        return err // context cancelled during backoff
//	    }
//	    if err := dial(); err == nil {
//	        return nil
//	    }
//	}
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Retry tracks backoff state across attempts of one operation. It is
// single-use and not safe for concurrent use.
type Retry struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Retry. Attempt n waits a uniformly random delay in
// [0, min(baseDelay × 2^(n-1), maxDelay)]; the first attempt proceeds
// immediately. Panics on non-positive or inverted bounds, which are
// coding errors.
func New(baseDelay, maxDelay time.Duration) *Retry {
	if baseDelay <= 0 {
		panic("retry: baseDelay must be positive")
	}
	if maxDelay < baseDelay {
		panic("retry: maxDelay must be at least baseDelay")
	}
	return &Retry{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		sleep:     sleepCtx,
	}
}

// StartAttempt waits for the backoff delay before the next attempt.
// The first call returns immediately. It returns the context error if
// ctx ends during the wait.
func (r *Retry) StartAttempt(ctx context.Context) error {
	attempt := r.attempt
	r.attempt++

	if attempt == 0 {
		return ctx.Err()
	}
	return r.sleep(ctx, r.delayFor(attempt))
}

// Attempt returns the number of attempts started so far.
func (r *Retry) Attempt() int {
	return r.attempt
}

// delayFor computes the full-jitter delay for the given attempt:
// a uniform draw from [0, cappedExponential]. Full jitter spreads
// simultaneous retriers apart instead of synchronizing them.
func (r *Retry) delayFor(attempt int) time.Duration {
	ceiling := float64(r.baseDelay) * math.Pow(2, float64(attempt-1))
	if capped := float64(r.maxDelay); ceiling > capped {
		ceiling = capped
	}
	return time.Duration(rand.Float64() * ceiling)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
