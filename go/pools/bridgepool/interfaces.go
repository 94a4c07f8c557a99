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

	"github.com/cmdbridge/cmdbridge/go/transport"
)

// Conn is the connection type managed by the pool. It is satisfied by
// *transport.Transport; tests substitute lightweight mocks.
type Conn interface {
	// SendCommand runs one request/response exchange.
	SendCommand(ctx context.Context, cmdType string, params any) (*transport.Response, error)

	// Close destroys the connection. Must be idempotent.
	Close() error

	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool
}

// Factory creates a new connection, typically by dialing the engine.
type Factory[C Conn] func(ctx context.Context) (C, error)
