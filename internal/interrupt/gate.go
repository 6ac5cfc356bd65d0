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

// Package interrupt models the single interrupt-enable flag of a
// uniprocessor kernel. Disabling interrupts is this kernel's only form of
// mutual exclusion (see the package's sibling packages for the primitives
// built on top of it): no two critical sections, and no critical section
// and the timer ISR, ever run concurrently while the flag is clear.
//
// A Gate is not a general-purpose mutex. Disable never waits on another
// thread's critical section: the running thread can always clear the
// flag, exactly as a CPU can always execute cli. Waiting happens in
// exactly two places, both forced by hosting the kernel on goroutines:
// the simulated ISR cannot "deliver" its interrupt while the flag is
// clear and so parks until it is set again, and a thread's Disable waits
// out an ISR handler still in flight, since on the real machine thread
// code cannot execute mid-interrupt at all.
package interrupt

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Level is the interrupt-enable flag value returned by Disable and
// consumed by Restore.
type Level bool

const (
	Enabled  Level = true
	Disabled Level = false
)

// Gate is the kernel's single interrupt-enable flag plus the bookkeeping
// ordinary kernel code needs around it: whether the calling section is the
// timer ISR, whether a yield has been requested for when the current
// interrupt returns, and the external interrupt vector table.
type Gate struct {
	mtx           sync.Mutex
	cond          *sync.Cond
	enabled       bool
	inIntr        bool
	intrGID       uint64
	yieldOnReturn atomic.Bool
	handlers      map[uint8]extHandler
}

// gid returns the calling goroutine's id, parsed from the runtime stack
// header. The gate needs it to tell the ISR's own kernel calls (which must
// proceed, interrupts being already off) apart from a thread racing into a
// critical section while the handler is still in flight (which must wait
// out the handler, as a CPU cannot execute thread code mid-interrupt).
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

// extHandler is one registered external interrupt handler. The name is
// carried for diagnostics only, matching how the PIC's vector table is
// described rather than consumed.
type extHandler struct {
	name string
	fn   func()
}

// New returns a Gate with interrupts initially enabled.
func New() *Gate {
	g := &Gate{enabled: true, handlers: make(map[uint8]extHandler)}
	g.cond = sync.NewCond(&g.mtx)
	return g
}

// Disable clears the interrupt flag and returns the level that was in
// effect immediately beforehand, for a later matching Restore. From thread
// context it never waits on another thread (the running thread can always
// execute cli), but it does wait out an interrupt handler that is still in
// flight, since thread code cannot execute mid-interrupt on the one CPU.
// From the handler's own goroutine it proceeds immediately.
func (g *Gate) Disable() Level {
	me := gid()
	g.mtx.Lock()
	for g.inIntr && g.intrGID != me {
		g.cond.Wait()
	}
	prev := g.enabled
	g.enabled = false
	g.mtx.Unlock()
	return Level(prev)
}

// Restore sets the interrupt level back to prev, the value Disable
// returned. If this re-enables interrupts, the timer ISR (if parked in
// AwaitEnabledThenDisable) is woken.
func (g *Gate) Restore(prev Level) {
	g.mtx.Lock()
	g.enabled = bool(prev)
	if g.enabled {
		g.cond.Broadcast()
	}
	g.mtx.Unlock()
}

// Enable sets the interrupt flag and returns the level that was in effect
// immediately beforehand. Unlike Disable, it does not wait out an
// in-flight interrupt handler; it never blocks.
func (g *Gate) Enable() Level {
	g.mtx.Lock()
	prev := g.enabled
	g.enabled = true
	g.cond.Broadcast()
	g.mtx.Unlock()
	return Level(prev)
}

// AwaitEnabledThenDisable blocks until interrupts are enabled, then
// disables them and marks the calling section as interrupt context. Used
// exclusively by the timer ISR: a hardware timer interrupt simply cannot
// be delivered while IF is clear, so delivery is deferred rather than
// dropped.
func (g *Gate) AwaitEnabledThenDisable() {
	me := gid()
	g.mtx.Lock()
	for !g.enabled {
		g.cond.Wait()
	}
	g.enabled = false
	g.inIntr = true
	g.intrGID = me
	g.mtx.Unlock()
}

// EndInterrupt re-enables interrupts and clears interrupt context. An ISR
// always returns to an enabled CPU.
func (g *Gate) EndInterrupt() {
	g.mtx.Lock()
	g.enabled = true
	g.inIntr = false
	g.intrGID = 0
	g.cond.Broadcast()
	g.mtx.Unlock()
}

// InContext reports whether the caller is executing inside an interrupt
// handler. It is caller-aware: a thread that reads it while a handler
// happens to be in flight on another goroutine still sees false, since
// that thread is in thread context.
func (g *Gate) InContext() bool {
	me := gid()
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.inIntr && g.intrGID == me
}

// RawLevel and SetRawLevel give the scheduler's dispatcher privileged,
// non-waiting access to the flag, so it can save and restore a thread's
// interrupt level across a context switch the same way hardware saves and
// restores EFLAGS as part of each thread's register state. Nothing outside
// internal/sched should call these.
func (g *Gate) RawLevel() Level {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return Level(g.enabled)
}

func (g *Gate) SetRawLevel(l Level) {
	g.mtx.Lock()
	g.enabled = bool(l)
	if g.enabled {
		g.cond.Broadcast()
	}
	g.mtx.Unlock()
}

// SetYieldOnReturn requests that the running thread yield at its next
// preemption checkpoint. Set by the timer ISR when a thread's time slice
// expires; never cleared by the setter.
func (g *Gate) SetYieldOnReturn() { g.yieldOnReturn.Store(true) }

// ConsumeYieldOnReturn reports whether a yield was requested and clears
// the request.
func (g *Gate) ConsumeYieldOnReturn() bool { return g.yieldOnReturn.Swap(false) }

// RegisterExt installs fn as the handler for external interrupt vector
// vec. Registering the same vector twice is a programming error.
func (g *Gate) RegisterExt(vec uint8, fn func(), name string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if _, dup := g.handlers[vec]; dup {
		panic("interrupt: vector " + name + " registered twice")
	}
	g.handlers[vec] = extHandler{name: name, fn: fn}
}

// Dispatch delivers external interrupt vec: it waits for interrupts to be
// enabled, enters interrupt context, runs the registered handler, and
// returns to an enabled CPU. The handler runs with interrupts disabled and
// must not block.
func (g *Gate) Dispatch(vec uint8) {
	g.mtx.Lock()
	h, ok := g.handlers[vec]
	g.mtx.Unlock()
	if !ok {
		panic("interrupt: dispatch of unregistered vector")
	}
	g.AwaitEnabledThenDisable()
	h.fn()
	g.EndInterrupt()
}
