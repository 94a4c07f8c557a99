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

// Package transport implements the framed JSON-over-TCP channel to the
// engine process.
//
// Requests are a single JSON object terminated by a newline. Responses
// carry no length prefix or delimiter: the frame is complete exactly
// when the bytes accumulated so far parse as valid JSON. This
// self-delimiting-by-validity scheme is preserved for compatibility
// with the engine's wire protocol, and it is a known weakness: a
// response whose strict prefix is itself valid JSON cannot be
// distinguished from the completed frame. Do not reuse this framing
// for new protocols; length-prefix instead.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol-level bounds on response accumulation. These are properties
// of the wire protocol, not tunables: they cap the damage a hostile or
// malfunctioning engine can do with unbounded or maximally-fragmented
// output.
const (
	// MaxBufferSize is the maximum accumulated response size in bytes.
	MaxBufferSize = 50 << 20 // 50 MiB

	// MaxChunkCount is the maximum number of socket reads a single
	// response may span.
	MaxChunkCount = 10000
)

// Response statuses the engine is allowed to report.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const readChunkSize = 64 << 10

// Config holds the dial and I/O parameters for a transport.
type Config struct {
	// Host is the engine host, typically localhost.
	Host string
	// Port is the engine TCP port.
	Port int
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// IOTimeout bounds each write and each individual read. The read
	// deadline is re-armed after every received chunk, so a slow large
	// transfer survives as long as the peer keeps making progress.
	IOTimeout time.Duration
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Request is the outbound command envelope.
type Request struct {
	Type   string `json:"type"`
	Params any    `json:"params,omitempty"`
}

// Response is the engine's reply envelope. Result is left raw for the
// calling operation to decode.
type Response struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Transport is one logical request/response channel over a persistent
// TCP connection. A transport handles one command at a time; the pool
// guarantees exclusive ownership while a command is in flight.
//
// Any I/O failure destroys the transport, because a partial read or
// write leaves the framing state unknowable.
type Transport struct {
	cfg    Config
	conn   net.Conn
	logger *slog.Logger

	// mu serializes SendCommand against accidental concurrent use.
	mu     sync.Mutex
	closed atomic.Bool
}

// Dial connects to the engine. It returns a *ConnectionError if the
// engine is unreachable, refuses, or the dial exceeds ConnectTimeout.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: cfg.Addr(), Err: err}
	}
	return &Transport{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
	}, nil
}

// SendCommand serializes {type, params}, writes it as one
// newline-terminated frame, and accumulates the response until the
// received bytes form valid JSON. The response must match
// {status:"success"|"error", result?, message?}; anything else fails
// with *InvalidResponseError.
func (t *Transport) SendCommand(ctx context.Context, cmdType string, params any) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, ErrClosed
	}

	payload, err := json.Marshal(Request{Type: cmdType, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding command %q: %w", cmdType, err)
	}
	payload = append(payload, '\n')

	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		t.destroy()
		return nil, &ConnectionError{Op: "write", Addr: t.cfg.Addr(), Err: err}
	}
	if _, err := t.conn.Write(payload); err != nil {
		t.destroy()
		return nil, &ConnectionError{Op: "write", Addr: t.cfg.Addr(), Err: err}
	}

	return t.readResponse(ctx)
}

// readResponse accumulates chunks until the buffer is valid JSON or a
// protocol bound is violated.
func (t *Transport) readResponse(ctx context.Context) (*Response, error) {
	var (
		buf    []byte
		chunk  = make([]byte, readChunkSize)
		chunks int
	)
	for {
		if err := ctx.Err(); err != nil {
			t.destroy()
			return nil, err
		}
		// Re-arm the idle deadline: each chunk buys the peer another
		// IOTimeout, bounding total stall time rather than total
		// transfer time.
		if err := t.conn.SetReadDeadline(t.deadline(ctx)); err != nil {
			t.destroy()
			return nil, &ConnectionError{Op: "read", Addr: t.cfg.Addr(), Err: err}
		}
		n, err := t.conn.Read(chunk)
		if n > 0 {
			chunks++
			if chunks > MaxChunkCount {
				t.logger.Warn("response chunk bound exceeded, destroying transport",
					"addr", t.cfg.Addr(),
					"chunks", chunks,
				)
				t.destroy()
				return nil, &ChunkLimitError{Chunks: chunks}
			}
			buf = append(buf, chunk[:n]...)
			if len(buf) > MaxBufferSize {
				t.logger.Warn("response size bound exceeded, destroying transport",
					"addr", t.cfg.Addr(),
					"bytes", len(buf),
				)
				t.destroy()
				return nil, &BufferLimitError{Size: len(buf)}
			}
			if json.Valid(buf) {
				return t.decodeResponse(buf)
			}
		}
		if err != nil {
			t.destroy()
			return nil, &ConnectionError{Op: "read", Addr: t.cfg.Addr(), Err: err}
		}
	}
}

func (t *Transport) decodeResponse(buf []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(buf, &resp); err != nil {
		t.destroy()
		return nil, &InvalidResponseError{Reason: err.Error()}
	}
	if resp.Status != StatusSuccess && resp.Status != StatusError {
		t.destroy()
		return nil, &InvalidResponseError{
			Reason: fmt.Sprintf("status must be %q or %q, got %q", StatusSuccess, StatusError, resp.Status),
		}
	}
	return &resp, nil
}

// deadline picks the sooner of the per-operation IOTimeout and the
// context deadline.
func (t *Transport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.cfg.IOTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// destroy closes the socket exactly once.
func (t *Transport) destroy() {
	if t.closed.CompareAndSwap(false, true) {
		t.conn.Close()
	}
}

// Close destroys the transport. Safe to call multiple times.
func (t *Transport) Close() error {
	t.destroy()
	return nil
}

// IsClosed reports whether the transport has been destroyed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// RemoteAddr returns the engine address this transport is connected to.
func (t *Transport) RemoteAddr() string {
	return t.cfg.Addr()
}
