// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package pqueue implements a priority-ordered queue on top of
// container/heap, the same technique used by Chromium's Siso build system
// for its priority semaphore waiters. Unlike a plain heap.Interface user,
// callers here get back a Handle for each pushed value, so a value whose
// priority changes in place (a donation bumping a waiting thread's
// effective priority, for instance) can be repositioned in O(log n)
// without having to search for it first.
package pqueue

import "container/heap"

// Queue holds values of type T in the order defined by less: the value
// for which less reports true ahead of every other queued value is the
// one Pop returns next.
type Queue[T any] struct {
	h *innerHeap[T]
}

// Handle identifies a value previously pushed onto a Queue, so it can
// later be removed or repositioned without a linear search.
type Handle[T any] struct {
	n *node[T]
}

type node[T any] struct {
	value T
	index int
}

type innerHeap[T any] struct {
	nodes []*node[T]
	less  func(a, b T) bool
}

func (h *innerHeap[T]) Len() int { return len(h.nodes) }

func (h *innerHeap[T]) Less(i, j int) bool { return h.less(h.nodes[i].value, h.nodes[j].value) }

func (h *innerHeap[T]) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.nodes[i].index = i
	h.nodes[j].index = j
}

func (h *innerHeap[T]) Push(x any) {
	n := x.(*node[T])
	n.index = len(h.nodes)
	h.nodes = append(h.nodes, n)
}

func (h *innerHeap[T]) Pop() any {
	old := h.nodes
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.index = -1
	h.nodes = old[:last]
	return n
}

// New returns an empty Queue ordered by less. less must implement a strict
// weak ordering where less(a, b) reports whether a should come out of the
// queue before b.
func New[T any](less func(a, b T) bool) *Queue[T] {
	return &Queue[T]{h: &innerHeap[T]{less: less}}
}

// Len reports the number of values currently queued.
func (q *Queue[T]) Len() int { return q.h.Len() }

// Push inserts v and returns a Handle for later Remove/Fix calls.
func (q *Queue[T]) Push(v T) *Handle[T] {
	n := &node[T]{value: v}
	heap.Push(q.h, n)
	return &Handle[T]{n: n}
}

// Pop removes and returns the front of the queue. ok is false if the queue
// was empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	if q.h.Len() == 0 {
		return v, false
	}
	n := heap.Pop(q.h).(*node[T])
	return n.value, true
}

// Peek returns the front of the queue without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	if q.h.Len() == 0 {
		return v, false
	}
	return q.h.nodes[0].value, true
}

// Remove removes the value referenced by h, wherever it currently sits in
// the queue. It is a no-op if h's value is no longer queued.
func (q *Queue[T]) Remove(h *Handle[T]) {
	if h.n.index < 0 {
		return
	}
	heap.Remove(q.h, h.n.index)
}

// Fix re-establishes heap order for h's value after its priority changed
// in place. The caller is responsible for calling Fix immediately after
// mutating any field less depends on.
func (q *Queue[T]) Fix(h *Handle[T]) {
	if h.n.index < 0 {
		return
	}
	heap.Fix(q.h, h.n.index)
}

// InQueue reports whether h's value is still present in the queue.
func (q *Queue[T]) InQueue(h *Handle[T]) bool { return h.n.index >= 0 }
