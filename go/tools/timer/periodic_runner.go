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

// Package timer provides PeriodicRunner, a background driver for
// maintenance callbacks such as pool health checks and bucket pruning.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner invokes a callback at a fixed interval. The next run
// is scheduled only after the previous one returns, so a slow callback
// never stacks executions. Stop cancels the callback's context and
// waits for an in-flight run to finish; the runner can be restarted
// afterwards.
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	wg       sync.WaitGroup
	callback func(ctx context.Context)
}

// NewPeriodicRunner creates a runner that derives the callback context
// from ctx. Pass a long-lived context; per-request contexts would tear
// the runner down when the request finishes.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start begins invoking callback every interval. It reports false if
// the runner is already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}
	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.timer = time.AfterFunc(r.interval, r.run)
	return true
}

// Stop halts further invocations and waits for an in-flight callback
// to return. Stopping an already-stopped runner is a no-op.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx = nil
	r.cancel = nil
	r.callback = nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Running reports whether the runner is active.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *PeriodicRunner) run() {
	r.mu.Lock()
	if !r.running || r.ctx == nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	defer r.wg.Done()

	callback := r.callback
	ctx := r.ctx
	// The lock is dropped for the callback itself so Stop can proceed
	// while a run is in flight.
	r.mu.Unlock()

	callback(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.timer = time.AfterFunc(r.interval, r.run)
}
