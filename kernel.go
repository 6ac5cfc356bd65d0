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

// Package pintosim wires the kernel core together: the interrupt gate,
// the timer device, the thread scheduler, and the synchronization
// primitives built on them. Kernel is the boundary the process, VM and
// syscall layers would consume; everything behind it lives in internal
// packages.
package pintosim

import (
	"fmt"

	"github.com/nbtaylor/pintosim/internal/interrupt"
	"github.com/nbtaylor/pintosim/internal/sched"
	"github.com/nbtaylor/pintosim/internal/ticks"
	"github.com/nbtaylor/pintosim/synch"
	"github.com/rs/zerolog"
)

const (
	DefaultHZ         = 100
	DefaultTimeSlice  = 4
	DefaultMaxThreads = 256
)

// KernelConfig controls boot. The zero value plus a logger is a usable
// hosted-test configuration once LoopsPerTick is set or Calibrate is
// requested.
type KernelConfig struct {
	// HZ is the timer interrupt frequency; DefaultHZ if zero. Must be
	// within [ticks.TimerFreqMin, ticks.TimerFreqMax].
	HZ int
	// TimeSlice is how many ticks a thread runs before the timer ISR
	// requests a yield; DefaultTimeSlice if zero.
	TimeSlice int
	// MaxThreads caps the thread table; DefaultMaxThreads if zero.
	MaxThreads int
	// LoopsPerTick seeds the busy-wait loop count for sub-tick sleeps.
	// Hosted test builds set it to skip boot-time calibration.
	LoopsPerTick uint64
	// Calibrate runs the boot-time busy-wait calibration. Requires the
	// timer to be running, so Boot starts it first.
	Calibrate bool
	// Log receives structured kernel events.
	Log zerolog.Logger
}

// Kernel is the booted core. The goroutine that calls Boot becomes the
// kernel's bootstrap/idle thread, exactly as the C entry point's initial
// thread does. The Thread*, Sleep and Tick methods below must be called
// from a kernel thread (that goroutine or one started by ThreadCreate)
// unless a method says otherwise. The idle thread may not block, so it
// must not call Sleep with n > 0.
type Kernel struct {
	gate  *interrupt.Gate
	sched *sched.Scheduler
	clock *ticks.Clock
	log   zerolog.Logger
}

// Boot validates cfg, constructs the core, and registers the timer ISR in
// the interrupt vector table. With cfg.Calibrate set it also starts the
// wall-clock timer and measures LoopsPerTick before returning.
func Boot(cfg KernelConfig) (*Kernel, error) {
	if cfg.HZ == 0 {
		cfg.HZ = DefaultHZ
	}
	if cfg.HZ < ticks.TimerFreqMin || cfg.HZ > ticks.TimerFreqMax {
		return nil, fmt.Errorf("pintosim: HZ %d outside the supported %d-%d range",
			cfg.HZ, ticks.TimerFreqMin, ticks.TimerFreqMax)
	}
	if cfg.TimeSlice == 0 {
		cfg.TimeSlice = DefaultTimeSlice
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}

	gate := interrupt.New()
	sc := sched.New(gate, sched.Config{MaxThreads: cfg.MaxThreads, TimeSlice: cfg.TimeSlice}, cfg.Log)
	clock := ticks.New(gate, sc, ticks.Config{HZ: cfg.HZ, LoopsPerTick: cfg.LoopsPerTick}, cfg.Log)
	clock.Register()

	k := &Kernel{gate: gate, sched: sc, clock: clock, log: cfg.Log}
	if cfg.Calibrate {
		k.StartTimer()
		clock.Calibrate()
	}
	k.log.Info().Int("hz", cfg.HZ).Int("time_slice", cfg.TimeSlice).Msg("kernel_boot")
	return k, nil
}

// Runtime exposes the gate and scheduler bundle the synch constructors
// take.
func (k *Kernel) Runtime() synch.Runtime {
	return synch.Runtime{Gate: k.gate, Sched: k.sched}
}

// StartTimer begins delivering wall-clock timer interrupts; StopTimer
// halts them. Deterministic tests skip both and drive Tick instead.
func (k *Kernel) StartTimer() { k.clock.Run() }

func (k *Kernel) StopTimer() { k.clock.Stop() }

// Tick delivers one timer interrupt and then runs the deferred-yield
// checkpoint on behalf of the calling thread, so a thread woken by this
// tick that outranks the caller runs before Tick returns. Call only from
// thread context.
func (k *Kernel) Tick() {
	k.clock.Interrupt()
	k.sched.MaybeYield()
}

// RaiseInterrupt delivers external interrupt vec through the vector
// table, then runs the deferred-yield checkpoint like Tick.
func (k *Kernel) RaiseInterrupt(vec uint8) {
	k.gate.Dispatch(vec)
	k.sched.MaybeYield()
}

// ThreadCreate spawns a new thread at basePriority, READY but not yet
// running. It returns sched.ErrOutOfThreads when the thread table is
// full.
func (k *Kernel) ThreadCreate(name string, basePriority int, entry func(arg any), arg any) (sched.ThreadID, error) {
	return k.sched.CreateThread(name, basePriority, entry, arg)
}

// ThreadCurrent returns the calling thread's control block.
func (k *Kernel) ThreadCurrent() *sched.Thread { return k.sched.Current() }

// ThreadYield offers the CPU to any equal-or-higher-priority ready
// thread.
func (k *Kernel) ThreadYield() { k.sched.Yield() }

// ThreadExit terminates the calling thread; it never returns. Threads
// that simply return from their entry function exit implicitly.
func (k *Kernel) ThreadExit() { k.sched.Exit() }

// MaybeYield is the cooperative preemption checkpoint for thread bodies
// that run long without calling into the kernel.
func (k *Kernel) MaybeYield() { k.sched.MaybeYield() }

// Ticks and Elapsed read the timer. TimerTicks-style wrappers around the
// clock so callers never touch internal/ticks.
func (k *Kernel) Ticks() uint64              { return k.clock.Ticks() }
func (k *Kernel) Elapsed(then uint64) uint64 { return k.clock.Elapsed(then) }

// Sleep blocks the calling thread for n ticks; MSleep, USleep and NSleep
// take wall-clock durations and busy-wait when the request is shorter
// than one tick.
func (k *Kernel) Sleep(n int64)   { k.clock.Sleep(n) }
func (k *Kernel) MSleep(ms int64) { k.clock.MSleep(ms) }
func (k *Kernel) USleep(us int64) { k.clock.USleep(us) }
func (k *Kernel) NSleep(ns int64) { k.clock.NSleep(ns) }

// NewSema, NewLock and NewCond construct synchronization primitives bound
// to this kernel.
func (k *Kernel) NewSema(value int) *synch.Sema { return synch.NewSema(k.Runtime(), value) }
func (k *Kernel) NewLock() *synch.Lock          { return synch.NewLock(k.Runtime()) }
func (k *Kernel) NewCond() *synch.Cond          { return synch.NewCond(k.Runtime()) }
