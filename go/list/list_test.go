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

package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyList(t *testing.T) {
	l := New[int]()
	require.NotNil(t, l)
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())

	// A zero-value list becomes usable after Init.
	var zero List[string]
	zero.Init()
	zero.PushBack("a")
	assert.Equal(t, 1, zero.Len())
	assert.Equal(t, "a", zero.Front().Value)
}

func TestPushOrdering(t *testing.T) {
	l := New[int]()

	e2 := l.PushBack(2)
	e1 := l.PushFront(1)
	e3 := l.PushBack(3)

	assert.Equal(t, 3, l.Len())
	assert.Same(t, e1, l.Front())
	assert.Same(t, e3, l.Back())

	var forward []int
	for e := l.Front(); e != nil; e = e.Next() {
		forward = append(forward, e.Value)
	}
	assert.Equal(t, []int{1, 2, 3}, forward)

	var backward []int
	for e := l.Back(); e != nil; e = e.Prev() {
		backward = append(backward, e.Value)
	}
	assert.Equal(t, []int{3, 2, 1}, backward)

	assert.Same(t, e2, e1.Next())
	assert.Same(t, e2, e3.Prev())
	assert.Nil(t, e1.Prev())
	assert.Nil(t, e3.Next())
}

func TestRemove(t *testing.T) {
	l := New[int]()
	e1 := l.PushBack(1)
	e2 := l.PushBack(2)
	e3 := l.PushBack(3)

	// Middle, then front, then the only remaining element.
	l.Remove(e2)
	assert.Equal(t, 2, l.Len())
	assert.Same(t, e3, e1.Next())
	assert.Same(t, e1, e3.Prev())

	l.Remove(e1)
	assert.Same(t, e3, l.Front())
	assert.Same(t, e3, l.Back())

	l.Remove(e3)
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())

	// Removed elements must not keep pointers into the list.
	assert.Nil(t, e2.next)
	assert.Nil(t, e2.prev)
	assert.Nil(t, e2.list)
}

func TestRemoveFromWrongListPanics(t *testing.T) {
	l1 := New[int]()
	l2 := New[int]()
	e := l1.PushBack(1)

	assert.Panics(t, func() { l2.Remove(e) })
}

func TestPushCallerAllocatedElements(t *testing.T) {
	l := New[int]()
	l.PushBack(1)

	front := &Element[int]{Value: 0}
	back := &Element[int]{Value: 2}
	l.PushFrontValue(front)
	l.PushBackValue(back)

	assert.Equal(t, 3, l.Len())
	assert.Same(t, front, l.Front())
	assert.Same(t, back, l.Back())

	var got []int
	for e := l.Front(); e != nil; e = e.Next() {
		got = append(got, e.Value)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestReuseAfterRemove(t *testing.T) {
	l := New[string]()
	e := l.PushBack("x")
	l.Remove(e)

	// A removed element can be pushed again, possibly onto another list.
	other := New[string]()
	other.PushBackValue(e)
	assert.Equal(t, 1, other.Len())
	assert.Same(t, e, other.Front())
}
