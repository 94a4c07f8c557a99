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
	"runtime"
	"sync"
	"time"

	"github.com/cmdbridge/cmdbridge/go/list"
)

// waiter is one caller blocked in Acquire because the pool is at
// capacity. The connection is handed over on the channel.
type waiter[C Conn] struct {
	conn chan *Pooled[C]
}

// waitlist queues exhausted-pool acquirers in strict FIFO order.
// Waiters that time out or get cancelled remove themselves; a removal
// that loses the race against an in-flight hand-off accepts the
// connection instead of stranding it.
type waitlist[C Conn] struct {
	nodes sync.Pool
	mu    sync.Mutex
	list  list.List[waiter[C]]
}

func (wl *waitlist[C]) init() {
	wl.nodes.New = func() any {
		return &list.Element[waiter[C]]{
			Value: waiter[C]{conn: make(chan *Pooled[C])},
		}
	}
	wl.list.Init()
}

// enqueue adds a waiter at the back of the queue and returns its
// element for the subsequent wait call. The pool calls this while
// still holding its own lock, so a concurrent Release cannot slip a
// connection into the idle set between the caller's capacity check
// and the enqueue.
func (wl *waitlist[C]) enqueue() *list.Element[waiter[C]] {
	elem := wl.nodes.Get().(*list.Element[waiter[C]])
	wl.mu.Lock()
	wl.list.PushBackValue(elem)
	wl.mu.Unlock()
	return elem
}

// wait blocks until a released connection is handed to this waiter,
// the timeout elapses, ctx is cancelled, or the pool closes.
func (wl *waitlist[C]) wait(ctx context.Context, elem *list.Element[waiter[C]], timeout time.Duration, closeCh <-chan struct{}) (*Pooled[C], error) {
	defer wl.nodes.Put(elem)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-elem.Value.conn:
		return conn, nil

	case <-timer.C:
		if wl.remove(elem) {
			return nil, &ExhaustedError{Timeout: timeout}
		}
		// A hand-off is already in flight for us; take it.
		return <-elem.Value.conn, nil

	case <-ctx.Done():
		if wl.remove(elem) {
			return nil, context.Cause(ctx)
		}
		return <-elem.Value.conn, nil

	case <-closeCh:
		if wl.remove(elem) {
			return nil, ErrPoolClosed
		}
		return <-elem.Value.conn, nil
	}
}

// remove detaches elem from the queue, reporting false when it is
// already gone (a hand-off claimed it first).
func (wl *waitlist[C]) remove(elem *list.Element[waiter[C]]) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	for e := wl.list.Front(); e != nil; e = e.Next() {
		if e == elem {
			wl.list.Remove(elem)
			return true
		}
	}
	return false
}

// tryHandOff gives conn to the oldest waiter. It reports false if no
// waiter was queued; the caller then returns the connection to the
// idle set instead.
func (wl *waitlist[C]) tryHandOff(conn *Pooled[C]) bool {
	wl.mu.Lock()
	front := wl.list.Front()
	if front != nil {
		wl.list.Remove(front)
	}
	wl.mu.Unlock()

	if front == nil {
		return false
	}

	front.Value.conn <- conn
	// Give the woken waiter a chance to run before the releaser
	// continues and possibly re-enters the pool.
	runtime.Gosched()
	return true
}

func (wl *waitlist[C]) waiting() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.list.Len()
}
