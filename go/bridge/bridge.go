// Copyright 2025 The Cmdbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridge composes the transport, connection pool, and admission
// controller into the single object callers use to run engine commands.
package bridge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cmdbridge/cmdbridge/go/admission"
	"github.com/cmdbridge/cmdbridge/go/bridgeconfig"
	"github.com/cmdbridge/cmdbridge/go/pools/bridgepool"
	"github.com/cmdbridge/cmdbridge/go/transport"
)

// Bridge owns a connection pool to the engine and an admission limiter.
// All command traffic flows through Call. Construct with New and tear
// down with Shutdown.
type Bridge struct {
	pool    *bridgepool.Pool[*transport.Transport]
	limiter *admission.Limiter
	logger  *slog.Logger
}

// Stats is a point-in-time snapshot of the bridge's pool and limiter.
type Stats struct {
	Pool     bridgepool.Stats
	InFlight int64
}

// New builds a Bridge from cfg. No connections are dialed until the
// first Call (or until the pool's health check tops up MinConns).
func New(cfg bridgeconfig.Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	tcfg := transport.Config{
		Host:           cfg.Engine.Host,
		Port:           cfg.Engine.Port,
		ConnectTimeout: cfg.Engine.ConnectTimeout,
		IOTimeout:      cfg.Engine.SocketTimeout,
	}
	factory := func(ctx context.Context) (*transport.Transport, error) {
		return transport.Dial(ctx, tcfg, logger)
	}

	pool := bridgepool.New(factory, bridgepool.Config{
		MinConns:            cfg.Pool.MinConns,
		MaxConns:            cfg.Pool.MaxConns,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		MaxRequestsPerConn:  cfg.Pool.MaxRequestsPerConn,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		LockTimeout:         cfg.Pool.LockTimeout,
		CreateTimeout:       cfg.Engine.ConnectTimeout,
	}, logger)

	limiter := admission.New(admission.Config{
		Enabled:            cfg.RateLimit.Enabled,
		RequestsPerMinute:  cfg.RateLimit.RequestsPerMinute,
		ScriptingPerMinute: cfg.RateLimit.ScriptingPerMinute,
		MaxConcurrent:      cfg.RateLimit.MaxConcurrent,
		BucketTTL:          cfg.RateLimit.BucketTTL,
		CleanupInterval:    cfg.RateLimit.CleanupInterval,
	}, logger)

	return &Bridge{
		pool:    pool,
		limiter: limiter,
		logger:  logger,
	}
}

// Call runs one engine command through admission control and the pool.
// Denials come back as *admission.RateLimitError or
// *admission.ConcurrencyError before any connection is touched.
func (b *Bridge) Call(ctx context.Context, cmdType string, params any) (*transport.Response, error) {
	key, perMinute := b.classify(cmdType)

	var resp *transport.Response
	err := b.limiter.WithRateLimit(ctx, key, perMinute, func(ctx context.Context) error {
		var err error
		resp, err = b.pool.Execute(ctx, cmdType, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// classify maps a command type to its admission class. Script execution
// is unbounded work on the engine side and gets the tighter budget.
func (b *Bridge) classify(cmdType string) (key string, perMinute float64) {
	if strings.Contains(cmdType, "script") {
		return admission.ScriptingKey, b.limiter.ScriptingPerMinute()
	}
	return admission.DefaultKey, b.limiter.RequestsPerMinute()
}

// Ping sends a ping command to verify engine connectivity. It bypasses
// rate limiting so health probes cannot be starved by client traffic.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.pool.Execute(ctx, "ping", nil)
	return err
}

// GetStats reports pool and limiter state.
func (b *Bridge) GetStats() Stats {
	return Stats{
		Pool:     b.pool.GetStats(),
		InFlight: b.limiter.InFlight(),
	}
}

// Shutdown closes the pool and stops the limiter's background cleanup.
// Safe to call more than once.
func (b *Bridge) Shutdown() {
	b.pool.Shutdown()
	b.limiter.Close()
}
