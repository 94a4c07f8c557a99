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
	"time"
)

// Pooled wraps a connection with the bookkeeping the pool needs:
// identity, in-use ownership, age, idle time, and how many commands
// it has served. All fields except conn and id are guarded by the
// pool's lock; Pooled has no locking of its own.
type Pooled[C Conn] struct {
	id   uint64
	conn C

	inUse      bool
	createdAt  time.Time
	lastUsedAt time.Time
	requests   uint64
}

func newPooled[C Conn](id uint64, conn C) *Pooled[C] {
	now := time.Now()
	return &Pooled[C]{
		id:         id,
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the pool-unique identity of this connection.
func (p *Pooled[C]) ID() uint64 { return p.id }

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C { return p.conn }

// Requests returns how many commands this connection has served.
func (p *Pooled[C]) Requests() uint64 { return p.requests }

// Age returns the duration since this connection was created.
func (p *Pooled[C]) Age() time.Duration {
	return time.Since(p.createdAt)
}

// IdleTime returns the duration since this connection was last
// acquired or released.
func (p *Pooled[C]) IdleTime() time.Duration {
	return time.Since(p.lastUsedAt)
}
