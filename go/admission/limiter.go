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

// Package admission gates operations before they reach the connection
// pool: a per-key token bucket limits request rate, and a bounded
// semaphore caps how many operations run concurrently.
//
// Denials are returned as structured decisions with a retry hint
// rather than opaque errors, so callers can choose to wait and retry.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cmdbridge/cmdbridge/go/tools/timer"
)

// Well-known operation classes.
const (
	// DefaultKey is the bucket for ordinary proxy commands.
	DefaultKey = "default"
	// ScriptingKey is the bucket for script-execution commands, which
	// get a tighter budget because they are unbounded work on the
	// engine side.
	ScriptingKey = "scripting"
)

// Config holds admission parameters. Immutable after construction.
type Config struct {
	// Enabled turns admission control on. When false every check
	// passes.
	Enabled bool
	// RequestsPerMinute is the default per-key token budget.
	RequestsPerMinute float64
	// ScriptingPerMinute is the budget for the scripting class.
	ScriptingPerMinute float64
	// MaxConcurrent caps in-flight operations.
	MaxConcurrent int64
	// BucketTTL is how long an untouched bucket survives before the
	// cleanup pass prunes it.
	BucketTTL time.Duration
	// CleanupInterval drives the periodic bucket pruning. Zero
	// disables it.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 100
	}
	if c.ScriptingPerMinute <= 0 {
		c.ScriptingPerMinute = 30
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.BucketTTL <= 0 {
		c.BucketTTL = 5 * time.Minute
	}
	return c
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool
	// RetryAfter estimates when a denied caller will next have a
	// token. Zero when allowed.
	RetryAfter time.Duration
	// Remaining is the token count left in the bucket.
	Remaining float64
}

// RateLimitError is the structured denial WithRateLimit returns when
// the token bucket is empty.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry in %v", e.Key, e.RetryAfter)
}

// ConcurrencyError is returned when the in-flight operation cap is
// reached.
type ConcurrencyError struct {
	Max int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency limit reached (%d operations in flight)", e.Max)
}

// bucket tracks the token state for one operation class. Tokens are
// always finite and within [0, capacity].
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter combines the per-key token buckets with the global
// concurrency semaphore. Construct with New.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	sem     *semaphore.Weighted
	current atomic.Int64

	cleaning atomic.Bool
	cleanup  *timer.PeriodicRunner
}

// New creates a Limiter and starts the periodic bucket cleanup when
// CleanupInterval is set. Call Close to stop the cleanup.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	l := &Limiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	if cfg.CleanupInterval > 0 {
		l.cleanup = timer.NewPeriodicRunner(context.Background(), cfg.CleanupInterval)
		l.cleanup.Start(l.cleanupStale)
	}
	return l
}

// CheckLimit spends one token from the bucket for key, refilling it
// first according to the elapsed time. A perMinute of zero (or any
// non-finite value) falls back to the configured default budget.
//
// Clock skew cannot open the gate: a negative elapsed time refills
// nothing, and a bucket that ends up non-finite is reset to full and
// logged rather than allowed to bypass the limit.
func (l *Limiter) CheckLimit(key string, perMinute float64) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true, Remaining: perMinute}
	}
	if perMinute <= 0 || math.IsNaN(perMinute) || math.IsInf(perMinute, 0) {
		perMinute = l.cfg.RequestsPerMinute
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: perMinute, lastRefill: now}
		l.buckets[key] = b
	}

	tokens := b.tokens
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		tokens += elapsed.Minutes() * perMinute
	}
	if math.IsNaN(tokens) || math.IsInf(tokens, 0) {
		l.logger.Warn("rate limit bucket entered an invalid state, resetting to full",
			"key", key,
			"tokens", tokens,
		)
		tokens = perMinute
	}
	if tokens > perMinute {
		tokens = perMinute
	}
	if tokens < 0 {
		tokens = 0
	}
	b.lastRefill = now

	if tokens < 1 {
		b.tokens = tokens
		retryAfter := time.Duration((1 - tokens) / perMinute * float64(time.Minute))
		return Decision{Allowed: false, RetryAfter: retryAfter, Remaining: tokens}
	}
	b.tokens = tokens - 1
	return Decision{Allowed: true, Remaining: b.tokens}
}

// CheckScriptingLimit spends a token from the scripting bucket.
func (l *Limiter) CheckScriptingLimit() Decision {
	return l.CheckLimit(ScriptingKey, l.cfg.ScriptingPerMinute)
}

// RequestsPerMinute returns the default per-key token budget.
func (l *Limiter) RequestsPerMinute() float64 {
	return l.cfg.RequestsPerMinute
}

// ScriptingPerMinute returns the scripting-class token budget.
func (l *Limiter) ScriptingPerMinute() float64 {
	return l.cfg.ScriptingPerMinute
}

// WithRateLimit runs fn if a token and a concurrency slot are both
// available, releasing the slot when fn returns. Denials come back as
// *RateLimitError or *ConcurrencyError without fn being called.
func (l *Limiter) WithRateLimit(ctx context.Context, key string, perMinute float64, fn func(context.Context) error) error {
	if d := l.CheckLimit(key, perMinute); !d.Allowed {
		return &RateLimitError{Key: key, RetryAfter: d.RetryAfter}
	}
	if !l.AcquireConcurrency() {
		return &ConcurrencyError{Max: l.cfg.MaxConcurrent}
	}
	defer l.ReleaseConcurrency()
	return fn(ctx)
}

// cleanupStale prunes buckets that have not been refilled within
// BucketTTL. The CAS flag keeps overlapping passes out; the deletion
// set is computed before the map is mutated.
func (l *Limiter) cleanupStale(ctx context.Context) {
	if !l.cleaning.CompareAndSwap(false, true) {
		return
	}
	defer l.cleaning.Store(false)

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []string
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.cfg.BucketTTL {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(l.buckets, key)
	}
	if len(stale) > 0 {
		l.logger.Debug("pruned stale rate limit buckets", "count", len(stale))
	}
}

// Close stops the periodic cleanup.
func (l *Limiter) Close() {
	if l.cleanup != nil {
		l.cleanup.Stop()
	}
}
