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
	"github.com/nbtaylor/pintosim/internal/sched"
)

// Lock is a strict-ownership mutex with priority donation: only the
// thread that acquired it may release it, and while a stronger thread is
// blocked waiting for it, the holder inherits that thread's effective
// priority, recursively along the whole chain of locks the holder is
// itself waiting on. A mid-priority thread can therefore never starve
// the holder and, through it, the waiter.
//
// Internally a Lock is a semaphore initialized to 1 plus the ownership
// and donation bookkeeping the semaphore alone doesn't have.
type Lock struct {
	rt     Runtime
	holder *sched.Thread
	sema   *Sema
}

// NewLock returns an open lock.
func NewLock(rt Runtime) *Lock {
	return &Lock{rt: rt, sema: NewSema(rt, 1)}
}

// Holder returns the thread currently owning l, or nil if the lock is
// free. This is the view the scheduler's donation walk consumes
// (sched.Lockish).
func (l *Lock) Holder() *sched.Thread { return l.holder }

// HeldByCurrent reports whether the calling thread owns l.
func (l *Lock) HeldByCurrent() bool { return l.holder == l.rt.Sched.Current() }

// Acquire takes the lock, blocking until it is free. If the lock is held,
// the caller first donates its effective priority down the wait-for chain
// starting at the holder, then sleeps on the internal semaphore. Must not
// be called from interrupt context, and the caller must not already hold
// l.
func (l *Lock) Acquire() {
	kpanic.Assertf(!l.rt.Gate.InContext(), "lock acquire from interrupt context")
	t := l.rt.Sched.Current()
	kpanic.Assertf(l.holder != t, "%s acquiring a lock it already holds", t.Name())

	prev := l.rt.Gate.Disable()
	if l.holder != nil {
		t.SetWaitOnLock(l)
		l.donate(t.EffectivePriority())
	}
	l.rt.Gate.Restore(prev)

	l.sema.Down()

	prev = l.rt.Gate.Disable()
	t.SetWaitOnLock(nil)
	l.holder = t
	t.AddHeldLock(l)
	l.rt.Gate.Restore(prev)
}

// donate walks the wait-for chain from l's holder toward its root,
// raising each target's effective priority to at least priority; targets
// sitting in the ready queue or another waiter queue are repositioned as
// part of the bump. The walk is unconditional rather than stopping at the
// first target that needed no raise; chains are short, and the simple
// policy is easier to see correct. Caller holds interrupts disabled.
func (l *Lock) donate(priority int) {
	target := l.holder
	for target != nil {
		l.rt.Sched.Donate(target, priority)
		next := target.WaitOnLock()
		if next == nil {
			return
		}
		target = next.Holder()
	}
}

// TryAcquire takes the lock only if it is free right now, reporting
// whether it did. No donation happens on the failure path.
func (l *Lock) TryAcquire() bool {
	t := l.rt.Sched.Current()
	kpanic.Assertf(l.holder != t, "%s acquiring a lock it already holds", t.Name())
	if !l.sema.TryDown() {
		return false
	}
	prev := l.rt.Gate.Disable()
	l.holder = t
	t.AddHeldLock(l)
	l.rt.Gate.Restore(prev)
	return true
}

// Release gives up the lock and restores the caller's effective priority.
// The restoration is a full recompute (base priority raised by the
// strongest waiter on any lock the caller still holds) because a lazy
// drop to base would shed donations the caller is still entitled to
// through its other contended locks. Must be called by the holder, never
// from interrupt context.
func (l *Lock) Release() {
	kpanic.Assertf(!l.rt.Gate.InContext(), "lock release from interrupt context")
	t := l.rt.Sched.Current()
	kpanic.Assertf(l.holder == t, "%s releasing a lock it does not hold", t.Name())

	prev := l.rt.Gate.Disable()
	t.RemoveHeldLock(l)
	l.rt.Sched.SetEffective(t, refreshEffective(t))
	l.holder = nil
	l.rt.Gate.Restore(prev)

	l.sema.Up()
}

// refreshEffective recomputes t's effective priority from first
// principles. Each held lock's contribution is just the head of its
// semaphore's waiter queue, which is kept in priority order. Caller holds
// interrupts disabled.
func refreshEffective(t *sched.Thread) int {
	eff := t.BasePriority()
	for _, held := range t.HeldLocks() {
		hl, ok := held.(*Lock)
		if !ok {
			continue
		}
		if p, ok := hl.sema.maxWaiterPriority(); ok && p > eff {
			eff = p
		}
	}
	return eff
}
