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

// Package list implements a generic doubly-linked list. Unlike
// container/list it is type-parameterized and supports pushing
// caller-allocated elements, which lets hot paths recycle nodes
// through a sync.Pool instead of allocating per insert.
package list

// Element is a node of a List. The zero value is a detached element
// that can be pushed onto a list with PushFrontValue or PushBackValue.
type Element[T any] struct {
	next, prev *Element[T]
	list       *List[T]

	// Value is the payload carried by this element.
	Value T
}

// Next returns the next list element or nil.
func (e *Element[T]) Next() *Element[T] { return e.next }

// Prev returns the previous list element or nil.
func (e *Element[T]) Prev() *Element[T] { return e.prev }

// List is a doubly-linked list of T. The zero value must be
// initialized with Init before use; New returns a ready-to-use list.
type List[T any] struct {
	front, back *Element[T]
	len         int
}

// New returns an initialized empty list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.Init()
	return l
}

// Init initializes or clears the list.
func (l *List[T]) Init() {
	l.front = nil
	l.back = nil
	l.len = 0
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int { return l.len }

// Front returns the first element of the list or nil.
func (l *List[T]) Front() *Element[T] { return l.front }

// Back returns the last element of the list or nil.
func (l *List[T]) Back() *Element[T] { return l.back }

// PushFront inserts a new element carrying v at the front of the list.
func (l *List[T]) PushFront(v T) *Element[T] {
	e := &Element[T]{Value: v}
	l.PushFrontValue(e)
	return e
}

// PushBack inserts a new element carrying v at the back of the list.
func (l *List[T]) PushBack(v T) *Element[T] {
	e := &Element[T]{Value: v}
	l.PushBackValue(e)
	return e
}

// PushFrontValue inserts a caller-allocated element at the front of
// the list. The element must not currently belong to any list.
func (l *List[T]) PushFrontValue(e *Element[T]) {
	e.list = l
	e.prev = nil
	e.next = l.front
	if l.front != nil {
		l.front.prev = e
	} else {
		l.back = e
	}
	l.front = e
	l.len++
}

// PushBackValue inserts a caller-allocated element at the back of
// the list. The element must not currently belong to any list.
func (l *List[T]) PushBackValue(e *Element[T]) {
	e.list = l
	e.next = nil
	e.prev = l.back
	if l.back != nil {
		l.back.next = e
	} else {
		l.front = e
	}
	l.back = e
	l.len++
}

// Remove detaches e from the list. It panics if e belongs to a
// different list. The element's pointers are cleared so removed
// nodes do not pin their neighbors.
func (l *List[T]) Remove(e *Element[T]) {
	if e.list != l {
		panic("list: Remove called with element from a different list")
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.back = e.prev
	}
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}
