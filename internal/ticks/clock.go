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

// Package ticks implements the kernel's tick counter and sleep engine:
// the programmable timer's interrupt handler, a sorted sleeper queue, and
// the tick/millisecond/microsecond/nanosecond sleep conversions, all
// translated from Pintos's devices/timer.c.
package ticks

import (
	"sync/atomic"
	"time"

	"github.com/nbtaylor/pintosim/internal/interrupt"
	"github.com/nbtaylor/pintosim/internal/pqueue"
	"github.com/nbtaylor/pintosim/internal/sched"
	"github.com/rs/zerolog"
)

// TimerFreqMin and TimerFreqMax bound the timer interrupt frequency, the
// same 19–1000 Hz window devices/timer.c enforces at compile time.
const (
	TimerFreqMin = 19
	TimerFreqMax = 1000
)

// VecTimer is the PIT's interrupt vector after the PIC remap.
const VecTimer = 0x20

var sink uint64 // prevents busyWait's loop from being optimized away

// sleepEntry is one thread parked in timer_sleep, ordered by the tick at
// which it should wake; ties broken by the order they went to sleep.
type sleepEntry struct {
	thread   *sched.Thread
	wakeTick uint64
	seq      uint64
}

func sleepLess(a, b *sleepEntry) bool {
	if a.wakeTick != b.wakeTick {
		return a.wakeTick < b.wakeTick
	}
	return a.seq < b.seq
}

// Clock is the timer device: a tick counter, a sleeper queue, and the
// calibration state needed to convert wall-clock sleep requests into
// ticks or a busy-wait loop count.
type Clock struct {
	gate  *interrupt.Gate
	sched *sched.Scheduler
	log   zerolog.Logger

	hz    int
	ticks atomic.Uint64

	sleepers     *pqueue.Queue[*sleepEntry]
	sleepSeq     atomic.Uint64
	loopsPerTick uint64

	stop chan struct{}
}

// Config controls the timer device.
type Config struct {
	HZ           int
	LoopsPerTick uint64 // if zero, Calibrate must be called before NSleep/USleep/MSleep are used with sub-tick precision
}

// New builds a Clock. HZ must be within [TimerFreqMin, TimerFreqMax].
func New(gate *interrupt.Gate, sc *sched.Scheduler, cfg Config, log zerolog.Logger) *Clock {
	if cfg.HZ < TimerFreqMin || cfg.HZ > TimerFreqMax {
		panic("ticks: HZ out of the supported 19-1000 range")
	}
	return &Clock{
		gate:         gate,
		sched:        sc,
		log:          log,
		hz:           cfg.HZ,
		sleepers:     pqueue.New(sleepLess),
		loopsPerTick: cfg.LoopsPerTick,
		stop:         make(chan struct{}),
	}
}

// Ticks returns the number of timer ticks since the clock started.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }

// Elapsed returns the number of ticks since `then`, a value previously
// returned by Ticks.
func (c *Clock) Elapsed(then uint64) uint64 { return c.Ticks() - then }

// Run starts delivering a real timer interrupt hz times per second until
// ctx-equivalent Stop is called. Intended for cmd/pintosim; tests drive
// the clock deterministically via Interrupt instead.
func (c *Clock) Run() {
	period := time.Second / time.Duration(c.hz)
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				c.Interrupt()
			}
		}
	}()
}

// Stop halts the background ticking goroutine started by Run.
func (c *Clock) Stop() { close(c.stop) }

// Register installs the timer's ISR in the external interrupt vector
// table, so interrupts can be raised through the gate's Dispatch the way
// hardware would deliver them.
func (c *Clock) Register() {
	c.gate.RegisterExt(VecTimer, c.isr, "8254 Timer")
}

// Interrupt is the timer ISR entry point: it increments the tick count,
// wakes every thread whose sleep has expired, and performs per-thread
// time-slice accounting. Safe to call from any goroutine, including Run's
// wall-clock ticker, because it never yields itself: if the tick made a
// higher-priority thread runnable, it records a deferred yield that the
// running thread consumes at its next MaybeYield checkpoint. Call it
// directly in tests for deterministic single-step advancement.
func (c *Clock) Interrupt() {
	c.gate.AwaitEnabledThenDisable()
	c.isr()
	c.gate.EndInterrupt()
}

// isr is the handler body. Runs in interrupt context with interrupts
// disabled.
func (c *Clock) isr() {
	now := c.ticks.Add(1)
	for {
		e, ok := c.sleepers.Peek()
		if !ok || e.wakeTick > now {
			break
		}
		e, _ = c.sleepers.Pop()
		c.log.Trace().Uint64("tick", now).Str("thread", e.thread.Name()).Msg("timer_wake_due")
		c.sched.Unblock(e.thread)
	}
	c.sched.Tick()
	if c.sched.ShouldPreempt() {
		c.gate.SetYieldOnReturn()
	}
}

// Sleep blocks the calling thread for n ticks. n <= 0 returns immediately.
func (c *Clock) Sleep(n int64) {
	if n <= 0 {
		return
	}
	prev := c.gate.Disable()
	t := c.sched.Current()
	wake := c.ticks.Load() + uint64(n)
	t.SetWakeTick(wake)
	entry := &sleepEntry{thread: t, wakeTick: wake, seq: c.sleepSeq.Add(1)}
	c.sleepers.Push(entry)
	c.sched.Block()
	t.ClearWakeTick()
	c.gate.Restore(prev)
}

// MSleep, USleep and NSleep convert a wall-clock duration to ticks the
// same way real_time_sleep does: if the duration is at least one tick,
// sleep that many ticks; otherwise busy-wait, since a sleep shorter than
// one tick cannot be realized by blocking. denom must be a multiple of
// 1000 (matching timer.c's assertion on denom), which holds for the three
// helpers below (denom is always a power-of-ten count of sub-second
// units).
func (c *Clock) MSleep(ms int64) { c.realTimeSleep(ms, 1000) }
func (c *Clock) USleep(us int64) { c.realTimeSleep(us, 1000000) }
func (c *Clock) NSleep(ns int64) { c.realTimeSleep(ns, 1000000000) }

func (c *Clock) realTimeSleep(num, denom int64) {
	if denom%1000 != 0 {
		panic("ticks: denom must be a multiple of 1000")
	}
	// ticks = num * HZ / denom, rounded down, timer.c's conversion.
	ticksVal := num * int64(c.hz) / denom
	if ticksVal > 0 {
		c.Sleep(ticksVal)
		return
	}
	// Less than one tick: busy-wait instead. The requested num/denom
	// seconds spans num * HZ / denom of a tick, so the loop count is
	// loopsPerTick scaled by that fraction, with both sides pre-divided
	// by 1000 exactly as timer.c does to keep the arithmetic in integer
	// range.
	busyWait(c.busyWaitLoops(num, denom))
}

// busyWaitLoops converts a sub-tick duration of num/denom seconds into a
// busy-wait iteration count, term for term timer.c's expression:
// loops_per_tick * num / 1000 * TIMER_FREQ / (denom / 1000).
func (c *Clock) busyWaitLoops(num, denom int64) int64 {
	return int64(c.loopsPerTick) * num / 1000 * int64(c.hz) / (denom / 1000)
}

func busyWait(loops int64) {
	var x uint64
	for i := int64(0); i < loops; i++ {
		x++
	}
	atomic.StoreUint64(&sink, x)
}

// Calibrate measures loopsPerTick by a two-phase search after timer.c: a
// coarse doubling search for the first power-of-two loop count that spans
// a full tick, then a bit-by-bit refinement that adds bits 2^20 down to
// 2^0 on top of half that count, keeping each bit for which the total
// still fits within one tick. It relies on the
// clock's own tick counter advancing, so Run (or repeated Interrupt
// calls from another goroutine) must be driving ticks concurrently.
func (c *Clock) Calibrate() {
	loops := uint64(1)
	for !c.tooManyLoops(loops) {
		loops *= 2
		if loops == 0 {
			panic("ticks: loop counter overflowed during calibration")
		}
	}

	base := loops / 2
	var unit uint64
	for bit := uint64(1) << 20; bit > 0; bit >>= 1 {
		if !c.tooManyLoops(base + unit + bit) {
			unit |= bit
		}
	}

	c.loopsPerTick = base + unit
	c.log.Info().Uint64("loops_per_tick", c.loopsPerTick).Msg("timer_calibrate")
}

// tooManyLoops reports whether busy-waiting for `loops` iterations spans
// at least one full tick.
func (c *Clock) tooManyLoops(loops uint64) bool {
	start := c.Ticks()
	for c.Ticks() == start {
		// wait for a tick boundary so the measurement starts aligned
	}
	startTick := c.Ticks()
	busyWait(int64(loops))
	return c.Ticks() != startTick
}
