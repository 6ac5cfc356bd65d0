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

// Package sched implements the kernel's ready queue and thread dispatcher:
// the thread control block, the priority-ordered ready queue, and the
// cooperative goroutine hand-off that gives the illusion of a single
// RUNNING thread at any instant even though every thread body is a real,
// concurrently scheduled goroutine underneath.
package sched

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/nbtaylor/pintosim/internal/interrupt"
	"github.com/nbtaylor/pintosim/internal/kpanic"
	"github.com/nbtaylor/pintosim/internal/pqueue"
	"github.com/rs/zerolog"
)

// ErrOutOfThreads is returned by CreateThread when the scheduler's thread
// table is full.
var ErrOutOfThreads = errors.New("sched: out of thread slots")

// Config controls scheduler limits independent of the tick/time-slice
// configuration, which lives in internal/ticks and the top-level
// KernelConfig.
type Config struct {
	MaxThreads int
	TimeSlice  int // ticks before a thread's slice expires; 0 disables preemption accounting
}

// Scheduler owns the ready queue, the thread table, and the single
// logical "current thread" pointer. CreateThread, Unblock, Yield, Exit
// and ShouldPreempt bracket their own critical sections; Block, Donate,
// SetEffective and Tick assume the caller already holds the Gate
// disabled.
type Scheduler struct {
	gate *interrupt.Gate
	log  zerolog.Logger

	cfg Config

	nextID  ThreadID
	threads map[ThreadID]*Thread

	readyQ *pqueue.Queue[*Thread]

	current *Thread
	idle    *Thread
}

func threadLess(a, b *Thread) bool {
	if a.EffectivePriority() != b.EffectivePriority() {
		return a.EffectivePriority() > b.EffectivePriority()
	}
	return a.Seq() < b.Seq()
}

// New builds a Scheduler whose idle thread is the calling goroutine
// itself: New must be called from whatever goroutine will act as the
// kernel's bootstrap/idle thread, exactly as Pintos's initial thread is
// the one that called thread_init.
func New(gate *interrupt.Gate, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 256
	}
	s := &Scheduler{
		gate:    gate,
		log:     log,
		cfg:     cfg,
		threads: make(map[ThreadID]*Thread, cfg.MaxThreads),
		readyQ:  pqueue.New(threadLess),
	}
	s.idle = newThread(0, "idle", PriorityMin)
	s.idle.setState(StateRunning)
	s.threads[s.idle.id] = s.idle
	s.current = s.idle
	s.nextID = 1
	return s
}

// Current returns the currently RUNNING thread: the caller's own thread
// control block.
func (s *Scheduler) Current() *Thread { return s.current }

// CreateThread allocates a new thread control block, spawns its goroutine
// (parked until first dispatched), and makes it READY. Creation alone
// never preempts; the creator keeps running until its next preemption
// point.
func (s *Scheduler) CreateThread(name string, basePriority int, entry func(arg any), arg any) (ThreadID, error) {
	kpanic.Assertf(basePriority >= PriorityMin && basePriority <= PriorityMax,
		"thread %q created with priority %d outside [%d, %d]", name, basePriority, PriorityMin, PriorityMax)
	prev := s.gate.Disable()
	defer s.gate.Restore(prev)

	if len(s.threads) >= s.cfg.MaxThreads {
		return 0, ErrOutOfThreads
	}
	id := s.nextID
	s.nextID++
	t := newThread(id, name, basePriority)
	s.threads[id] = t
	t.AttachQueue(s.readyQ)

	s.log.Debug().Stringer("thread", t).Msg("thread_create")
	go s.runThread(t, entry, arg)
	return id, nil
}

func (s *Scheduler) runThread(t *Thread, entry func(arg any), arg any) {
	t.park()
	entry(arg)
	s.Exit()
}

// Block marks the current thread BLOCKED and dispatches the next ready
// thread. The caller must already have linked the current thread into
// whatever wait queue it is blocking on (a semaphore's waiters, the
// sleeper queue) before calling Block, and must already hold the gate
// disabled. Returns once some other code path has Unblock'd this thread
// again and it has been redispatched to RUNNING.
func (s *Scheduler) Block() {
	t := s.current
	kpanic.Assertf(t != s.idle, "idle thread attempted to block")
	t.setState(StateBlocked)
	s.log.Trace().Stringer("thread", t).Msg("thread_block")
	s.dispatch()
}

// Unblock moves t from BLOCKED to READY and inserts it into the ready
// queue in priority order. Does not itself preempt the running thread;
// callers that want that call ShouldPreempt/Yield explicitly afterward.
// Safe from interrupt context.
func (s *Scheduler) Unblock(t *Thread) {
	prev := s.gate.Disable()
	t.setState(StateReady)
	t.AttachQueue(s.readyQ)
	s.log.Trace().Stringer("thread", t).Msg("thread_unblock")
	s.gate.Restore(prev)
}

// Yield moves the current thread to READY (unless it is the idle thread,
// which is always implicitly available) and dispatches the next ready
// thread, which may be the caller itself if it remains the
// highest-priority ready thread.
func (s *Scheduler) Yield() {
	prev := s.gate.Disable()
	t := s.current
	if t != s.idle {
		t.setState(StateReady)
		t.AttachQueue(s.readyQ)
	}
	s.log.Trace().Stringer("thread", t).Msg("thread_yield")
	s.dispatch()
	s.gate.Restore(prev)
}

// Exit marks the current thread DYING, dispatches away from it
// permanently, and terminates the calling goroutine: it never returns,
// even when a thread body calls it mid-entry.
func (s *Scheduler) Exit() {
	kpanic.Assertf(s.current != s.idle, "idle thread attempted to exit")
	s.gate.Disable() // never restored here; the incoming thread's level wins
	t := s.current
	t.setState(StateDying)
	s.log.Debug().Stringer("thread", t).Msg("thread_exit")
	delete(s.threads, t.id)
	s.dispatch()
	runtime.Goexit()
}

// popHighestReady pops and returns the highest-priority ready thread, or
// the idle thread if the ready queue is empty. The idle thread is never
// itself pushed onto the ready queue.
func (s *Scheduler) popHighestReady() *Thread {
	if next, ok := s.readyQ.Pop(); ok {
		next.DetachQueue()
		return next
	}
	return s.idle
}

// dispatch performs the actual context switch: it picks the next thread
// to run, saves the outgoing thread's interrupt level and restores the
// incoming thread's (mirroring hardware saving/restoring EFLAGS across a
// switch), then signals the incoming thread and parks the outgoing one
// unless it is DYING.
func (s *Scheduler) dispatch() {
	old := s.current
	old.savedLevel = bool(s.gate.RawLevel())

	next := s.popHighestReady()
	next.setState(StateRunning)
	next.ticksThisSlice = 0
	s.current = next
	s.gate.SetRawLevel(interrupt.Level(next.savedLevel))

	if next == old {
		return
	}
	next.wake()
	if old.State() != StateDying {
		old.park()
	}
}

// Donate raises t's effective priority to at least priority, repositioning
// t in whichever queue it currently occupies. No-op if t's effective
// priority is already at least priority. Returns whether a bump occurred.
func (s *Scheduler) Donate(t *Thread, priority int) bool {
	if t.effective >= priority {
		return false
	}
	s.SetEffective(t, priority)
	return true
}

// SetEffective sets t's effective priority outright (raising or lowering
// it; lock_release's recompute-from-held-locks needs to lower it back
// toward the base priority) and repositions t in whichever queue it
// currently occupies.
func (s *Scheduler) SetEffective(t *Thread, priority int) {
	t.effective = priority
	t.Reposition()
}

// ShouldPreempt reports whether the head of the ready queue has strictly
// higher effective priority than the current thread. Safe from interrupt
// context.
func (s *Scheduler) ShouldPreempt() bool {
	prev := s.gate.Disable()
	defer s.gate.Restore(prev)
	head, ok := s.readyQ.Peek()
	if !ok {
		return false
	}
	return head.EffectivePriority() > s.current.EffectivePriority()
}

// Tick performs per-thread time-slice accounting for one timer tick. Must
// be called with interrupts already disabled, from the timer ISR.
func (s *Scheduler) Tick() {
	t := s.current
	if t == s.idle || s.cfg.TimeSlice <= 0 {
		return
	}
	t.ticksThisSlice++
	if t.ticksThisSlice >= s.cfg.TimeSlice {
		t.ticksThisSlice = 0
		s.gate.SetYieldOnReturn()
	}
}

// MaybeYield is a cooperative preemption checkpoint: if a pending
// time-slice expiry was recorded, or a higher-priority thread has since
// become ready, it yields now. The synch primitives do not call this:
// their own preemption points (Sema.Up, Lock.Release, Cond's wake
// operations) only yield to a higher-priority ready thread and leave a
// pending time-slice expiry unconsumed. A long-running thread body should
// call this periodically to remain preemptible in this hosted simulation
// (see DESIGN.md on forced preemption).
func (s *Scheduler) MaybeYield() {
	if s.gate.ConsumeYieldOnReturn() || s.ShouldPreempt() {
		s.Yield()
	}
}

// ThreadByID looks up a thread by id, for diagnostics and tests.
func (s *Scheduler) ThreadByID(id ThreadID) (*Thread, bool) {
	t, ok := s.threads[id]
	return t, ok
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("Scheduler{current=%s, ready=%d}", s.current, s.readyQ.Len())
}
