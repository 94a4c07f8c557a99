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

package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned when operating on a destroyed transport.
var ErrClosed = errors.New("transport is closed")

// ConnectionError reports that the engine process was unreachable,
// refused the connection, or the socket failed mid-operation.
type ConnectionError struct {
	// Op is the socket operation that failed ("dial", "write", "read").
	Op string
	// Addr is the remote address.
	Addr string
	// Err is the underlying socket error.
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s to %s failed: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// BufferLimitError reports that the accumulated response exceeded
// MaxBufferSize. The transport is destroyed when this is returned;
// a peer that streams unbounded data must not be allowed to exhaust
// process memory.
type BufferLimitError struct {
	// Size is the accumulated byte count at the point of violation.
	Size int
}

func (e *BufferLimitError) Error() string {
	return fmt.Sprintf("response exceeded %d bytes (got %d)", MaxBufferSize, e.Size)
}

// ChunkLimitError reports that a response arrived in more than
// MaxChunkCount reads. The transport is destroyed when this is
// returned; maximal fragmentation is treated as hostile.
type ChunkLimitError struct {
	// Chunks is the number of reads at the point of violation.
	Chunks int
}

func (e *ChunkLimitError) Error() string {
	return fmt.Sprintf("response fragmented into more than %d chunks", MaxChunkCount)
}

// InvalidResponseError reports that the engine returned a complete
// JSON value that does not match the expected response shape.
type InvalidResponseError struct {
	// Reason describes which structural rule was violated.
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response from engine: %s", e.Reason)
}
