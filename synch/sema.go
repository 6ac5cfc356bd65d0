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

package synch

import (
	"github.com/nbtaylor/pintosim/internal/kpanic"
	"github.com/nbtaylor/pintosim/internal/pqueue"
	"github.com/nbtaylor/pintosim/internal/sched"
)

// Sema is a counting semaphore: a non-negative value plus a
// priority-ordered queue of threads blocked waiting for it to become
// positive. Down ("P") and Up ("V") are the only ways the value changes
// after construction. The queue is never non-empty while the value is
// positive: an Up with waiters present hands the increment straight to
// the strongest waiter.
type Sema struct {
	rt      Runtime
	value   int
	waiters *pqueue.Queue[*sched.Thread]
}

// waiterLess orders a semaphore's waiters the same way the ready queue
// orders runnable threads: strongest effective priority first, FIFO among
// equals.
func waiterLess(a, b *sched.Thread) bool {
	if a.EffectivePriority() != b.EffectivePriority() {
		return a.EffectivePriority() > b.EffectivePriority()
	}
	return a.Seq() < b.Seq()
}

// NewSema returns a semaphore with the given initial value.
func NewSema(rt Runtime, value int) *Sema {
	kpanic.Assertf(value >= 0, "semaphore initialized with negative value %d", value)
	return &Sema{rt: rt, value: value, waiters: pqueue.New(waiterLess)}
}

// Down decrements the semaphore, blocking until the value is positive.
// The enqueue and the block happen under one interrupt-disabled section,
// so an Up racing with a Down can never be lost: either Down sees the
// incremented value, or Up sees the queued waiter. Must not be called
// from interrupt context, since it may block.
func (s *Sema) Down() {
	kpanic.Assertf(!s.rt.Gate.InContext(), "sema down from interrupt context")
	prev := s.rt.Gate.Disable()
	for s.value == 0 {
		t := s.rt.Sched.Current()
		t.AttachQueue(s.waiters)
		s.rt.Sched.Block()
	}
	s.value--
	s.rt.Gate.Restore(prev)
}

// TryDown decrements the semaphore only if it can do so without blocking,
// reporting whether it did. Callable from interrupt context.
func (s *Sema) TryDown() bool {
	prev := s.rt.Gate.Disable()
	ok := s.value > 0
	if ok {
		s.value--
	}
	s.rt.Gate.Restore(prev)
	return ok
}

// Up increments the semaphore and wakes the highest-priority waiter, if
// any. The waiter queue's order is maintained eagerly: a donation that
// bumps a queued thread repositions it at donation time, so the head here
// is always the strongest waiter as of this instant. Callable from
// interrupt context; the closing preemption check defers to interrupt
// return in that case.
func (s *Sema) Up() {
	prev := s.rt.Gate.Disable()
	if w, ok := s.waiters.Pop(); ok {
		w.DetachQueue()
		s.rt.Sched.Unblock(w)
	}
	s.value++
	s.rt.Gate.Restore(prev)
	s.rt.preemptCheckpoint()
}

// maxWaiterPriority returns the strongest effective priority among
// threads blocked on s. ok is false if nobody is waiting. Callers must
// hold interrupts disabled.
func (s *Sema) maxWaiterPriority() (int, bool) {
	w, ok := s.waiters.Peek()
	if !ok {
		return 0, false
	}
	return w.EffectivePriority(), true
}
