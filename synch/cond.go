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
	"sort"

	"github.com/nbtaylor/pintosim/internal/kpanic"
	"github.com/nbtaylor/pintosim/internal/sched"
)

// condWaiter pairs one waiting thread with the private semaphore its
// signal is delivered on. Because each waiter has its own semaphore, a
// signal lands on exactly the thread it chose, and a signal that arrives
// between the waiter releasing the lock and reaching Down is banked in
// the semaphore's value rather than lost.
type condWaiter struct {
	sema   *Sema
	thread *sched.Thread
}

// Cond is a Mesa-style condition variable over an external Lock: Signal
// does not hand the lock to the waiter, so an awakened thread re-acquires
// and must recheck its predicate before proceeding.
type Cond struct {
	rt      Runtime
	waiters []*condWaiter
}

// NewCond returns a condition variable with no waiters.
func NewCond(rt Runtime) *Cond {
	return &Cond{rt: rt}
}

// Wait atomically releases l and blocks until signalled, then re-acquires
// l before returning. The caller must hold l and must not be in interrupt
// context.
func (c *Cond) Wait(l *Lock) {
	kpanic.Assertf(!c.rt.Gate.InContext(), "cond wait from interrupt context")
	t := c.rt.Sched.Current()
	kpanic.Assertf(l.HeldByCurrent(), "%s waiting on a condition without holding its lock", t.Name())

	w := &condWaiter{sema: NewSema(c.rt, 0), thread: t}
	prev := c.rt.Gate.Disable()
	c.waiters = append(c.waiters, w)
	c.rt.Gate.Restore(prev)

	l.Release()
	w.sema.Down()
	l.Acquire()
}

// Signal wakes the waiter whose thread currently has the highest
// effective priority, if any. The caller must hold l.
func (c *Cond) Signal(l *Lock) {
	kpanic.Assertf(!c.rt.Gate.InContext(), "cond signal from interrupt context")
	kpanic.Assertf(l.HeldByCurrent(), "%s signalling a condition without holding its lock", c.rt.Sched.Current().Name())
	c.signalOne()
}

// Broadcast wakes every current waiter, strongest first.
func (c *Cond) Broadcast(l *Lock) {
	kpanic.Assertf(!c.rt.Gate.InContext(), "cond broadcast from interrupt context")
	kpanic.Assertf(l.HeldByCurrent(), "%s broadcasting a condition without holding its lock", c.rt.Sched.Current().Name())
	for c.signalOne() {
	}
}

// signalOne pops the strongest waiter and ups its private semaphore,
// reporting whether there was one. The sort happens here, at wake time,
// because a donation may have changed a waiting thread's effective
// priority since it enqueued; the stable sort keeps FIFO order among
// equals.
func (c *Cond) signalOne() bool {
	prev := c.rt.Gate.Disable()
	if len(c.waiters) == 0 {
		c.rt.Gate.Restore(prev)
		return false
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].thread.EffectivePriority() > c.waiters[j].thread.EffectivePriority()
	})
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.rt.Gate.Restore(prev)
	w.sema.Up()
	return true
}
