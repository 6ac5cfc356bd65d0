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

package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/nbtaylor/pintosim/internal/pqueue"
)

// ThreadID uniquely identifies a thread for the lifetime of a Scheduler.
type ThreadID int64

// State is a thread's position in the state machine: every thread is
// exactly one of these at any instant.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateDying
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateDying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

const (
	PriorityMin = 0
	PriorityMax = 63
)

// Lockish is the minimal view of a lock the scheduler needs to walk a
// donation chain: who currently holds it. *synch.Lock implements this;
// sched never imports synch, avoiding an import cycle between the two
// packages that both sit on top of the scheduler.
type Lockish interface {
	Holder() *Thread
}

var nextSeq atomic.Uint64

// stampSeq returns a fresh, monotonically increasing sequence number,
// used to break priority ties in FIFO (insertion) order within whichever
// queue a thread is about to join. A fresh value is stamped on every
// enqueue, not just at thread creation, so ties reflect the order threads
// joined *this* wait, not the order they were created.
func stampSeq() uint64 { return nextSeq.Add(1) }

// Thread is a kernel thread control block.
type Thread struct {
	id   ThreadID
	name string

	resumeCh chan struct{}

	state        atomic.Int32
	basePriority int
	effective    int

	waitOnLock Lockish
	heldLocks  []Lockish

	wakeTick    uint64
	hasWakeTick bool

	seq    uint64
	queue  queueRemover
	handle queueHandle

	ticksThisSlice int
	savedLevel     bool // interrupt.Level, stored as bool to avoid an import cycle
}

// queueRemover/queueHandle let Thread carry a reference to whichever
// pqueue.Queue[*Thread] it currently occupies (the ready queue, or a
// semaphore's waiters) without sched needing to know T at the type level
// more than once; see AttachQueue/DetachQueue/Reposition.
type queueRemover interface {
	Remove(h queueHandle)
	Fix(h queueHandle)
}

type queueHandle interface{}

func newThread(id ThreadID, name string, basePriority int) *Thread {
	t := &Thread{
		id:           id,
		name:         name,
		resumeCh:     make(chan struct{}, 1),
		basePriority: basePriority,
		effective:    basePriority,
		savedLevel:   true,
	}
	t.state.Store(int32(StateReady))
	return t
}

func (t *Thread) ID() ThreadID { return t.id }
func (t *Thread) Name() string { return t.name }

func (t *Thread) State() State     { return State(t.state.Load()) }
func (t *Thread) setState(s State) { t.state.Store(int32(s)) }

func (t *Thread) BasePriority() int      { return t.basePriority }
func (t *Thread) EffectivePriority() int { return t.effective }

func (t *Thread) Seq() uint64 { return t.seq }

func (t *Thread) WaitOnLock() Lockish     { return t.waitOnLock }
func (t *Thread) SetWaitOnLock(l Lockish) { t.waitOnLock = l }

func (t *Thread) HeldLocks() []Lockish { return t.heldLocks }

func (t *Thread) AddHeldLock(l Lockish) {
	t.heldLocks = append(t.heldLocks, l)
}

func (t *Thread) RemoveHeldLock(l Lockish) {
	for i, hl := range t.heldLocks {
		if hl == l {
			t.heldLocks = append(t.heldLocks[:i], t.heldLocks[i+1:]...)
			return
		}
	}
}

func (t *Thread) WakeTick() (uint64, bool) { return t.wakeTick, t.hasWakeTick }

func (t *Thread) SetWakeTick(tick uint64) {
	t.wakeTick = tick
	t.hasWakeTick = true
}

func (t *Thread) ClearWakeTick() {
	t.wakeTick = 0
	t.hasWakeTick = false
}

func (t *Thread) wake() {
	select {
	case t.resumeCh <- struct{}{}:
	default:
	}
}

func (t *Thread) park() {
	<-t.resumeCh
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s(id=%d,base=%d,eff=%d,%s)", t.name, t.id, t.basePriority, t.effective, t.State())
}

// threadQueue adapts *pqueue.Queue[*Thread] to the tiny queueRemover
// interface above so Thread doesn't need a generic field (Go does not
// allow generic fields whose type parameter varies per instance without
// the containing type itself being generic, which Thread should not be).
type threadQueue struct {
	q *pqueue.Queue[*Thread]
}

func (tq threadQueue) Remove(h queueHandle) { tq.q.Remove(h.(*pqueue.Handle[*Thread])) }
func (tq threadQueue) Fix(h queueHandle)    { tq.q.Fix(h.(*pqueue.Handle[*Thread])) }

// AttachQueue pushes t onto q and records the resulting handle, stamping
// a fresh insertion-order sequence number. Any package holding a
// *pqueue.Queue[*Thread] (the scheduler's ready queue, a semaphore's
// waiters) uses this instead of calling q.Push directly, so that a later
// donation can find and Fix t's position without knowing which queue it's
// in.
func (t *Thread) AttachQueue(q *pqueue.Queue[*Thread]) {
	t.seq = stampSeq()
	h := q.Push(t)
	t.queue = threadQueue{q}
	t.handle = h
}

// DetachQueue clears the bookkeeping AttachQueue set up. Call after
// popping or removing t from whatever queue it was in.
func (t *Thread) DetachQueue() {
	t.queue = nil
	t.handle = nil
}

// Reposition re-establishes heap order for whichever queue t currently
// occupies, after t.effective changed in place. No-op if t is not
// currently queued (e.g. it is RUNNING or sleeping).
func (t *Thread) Reposition() {
	if t.queue != nil {
		t.queue.Fix(t.handle)
	}
}
