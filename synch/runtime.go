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

// Package synch is the kernel's externally-facing synchronization API:
// counting semaphores, locks with recursive priority donation, and
// Mesa-style condition variables. These are the primitives the process
// and syscall layers (named only as external collaborators; not
// implemented in this repository) would build on.
package synch

import (
	"github.com/nbtaylor/pintosim/internal/interrupt"
	"github.com/nbtaylor/pintosim/internal/sched"
)

// Runtime bundles the interrupt gate and scheduler every synch primitive
// needs. Obtain one from Kernel.Runtime(); every New* constructor in this
// package takes one by value, a small caller-allocated,
// caller-initialized struct.
type Runtime struct {
	Gate  *interrupt.Gate
	Sched *sched.Scheduler
}

// preemptCheckpoint evaluates whether the ready queue now holds a
// strictly higher-priority thread than the one currently running and, if
// so, either yields immediately (thread context) or defers the yield to
// interrupt return (interrupt context). Sema.Up, Lock.Release and Cond's
// wake operations all end their critical section with this same check.
func (rt Runtime) preemptCheckpoint() {
	if !rt.Sched.ShouldPreempt() {
		return
	}
	if rt.Gate.InContext() {
		rt.Gate.SetYieldOnReturn()
	} else {
		rt.Sched.Yield()
	}
}
