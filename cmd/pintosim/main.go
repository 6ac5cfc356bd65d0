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

// Command pintosim boots the kernel core on the host and runs one of a
// few small scenarios against it: a priority-donation chain, a field of
// sleeping threads, or a producer/consumer pair on a condition variable.
// It exists to exercise the core end to end with the wall-clock timer
// actually firing, the way the kernel's own test workloads would.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/nbtaylor/pintosim"
	"github.com/nbtaylor/pintosim/internal/kpanic"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	hz        = pflag.Int("hz", pintosim.DefaultHZ, "timer interrupt frequency (19-1000)")
	timeSlice = pflag.Int("time-slice", pintosim.DefaultTimeSlice, "ticks per scheduling quantum")
	logLevel  = pflag.String("log-level", "info", "zerolog level: trace, debug, info, warn, error")
	scenario  = pflag.String("scenario", "donate", "scenario to run: donate, sleep, prodcons")
	seed      = pflag.Int64("seed", 1, "seed for the sleep scenario's durations")
	calibrate = pflag.Bool("calibrate", false, "measure the busy-wait loop count at boot")
)

func main() {
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pintosim: %v\n", err)
		os.Exit(2)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMicro}).
		Level(level).With().Timestamp().Logger()
	kpanic.SetLogger(log)

	k, err := pintosim.Boot(pintosim.KernelConfig{
		HZ:        *hz,
		TimeSlice: *timeSlice,
		Calibrate: *calibrate,
		Log:       log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pintosim: %v\n", err)
		os.Exit(2)
	}
	if !*calibrate {
		k.StartTimer()
	}
	defer k.StopTimer()

	var finished atomic.Int64
	var want int64
	switch *scenario {
	case "donate":
		want = runDonate(k, &finished)
	case "sleep":
		want = runSleep(k, &finished)
	case "prodcons":
		want = runProdCons(k, &finished)
	default:
		fmt.Fprintf(os.Stderr, "pintosim: unknown scenario %q\n", *scenario)
		os.Exit(2)
	}

	// The main goroutine is the kernel's idle thread: it never blocks on
	// a primitive, it just keeps offering the CPU until the workload is
	// done.
	for finished.Load() < want {
		k.MaybeYield()
		runtime.Gosched()
	}
	log.Info().Str("scenario", *scenario).Uint64("ticks", k.Ticks()).Msg("scenario_complete")
}

// runDonate builds the classic three-deep donation chain: high blocks on
// a lock held by med, which blocks on a lock held by low, and the
// effective priorities are printed at each step.
func runDonate(k *pintosim.Kernel, finished *atomic.Int64) int64 {
	l1 := k.NewLock()
	l2 := k.NewLock()

	report := func(who string) {
		t := k.ThreadCurrent()
		fmt.Printf("%-4s base=%-2d effective=%-2d\n", who, t.BasePriority(), t.EffectivePriority())
	}

	_, _ = k.ThreadCreate("low", 10, func(arg any) {
		l1.Acquire()
		_, _ = k.ThreadCreate("med", 20, func(arg any) {
			l2.Acquire()
			_, _ = k.ThreadCreate("high", 30, func(arg any) {
				l2.Acquire()
				report("high")
				l2.Release()
				finished.Add(1)
			}, nil)
			k.ThreadYield()
			l1.Acquire()
			report("med")
			l2.Release()
			l1.Release()
			finished.Add(1)
		}, nil)
		k.ThreadYield()
		report("low")
		l1.Release()
		finished.Add(1)
	}, nil)
	return 3
}

// runSleep puts eight threads to sleep for random tick counts and lets
// the timer wake them; each prints how long it actually slept.
func runSleep(k *pintosim.Kernel, finished *atomic.Int64) int64 {
	const n = 8
	rng := rand.New(rand.NewSource(*seed))
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("sleeper%d", i)
		dur := int64(rng.Intn(40) + 10)
		_, _ = k.ThreadCreate(name, 20+i, func(arg any) {
			start := k.Ticks()
			k.Sleep(dur)
			fmt.Printf("%s asked for %d ticks, slept %d\n", name, dur, k.Elapsed(start))
			finished.Add(1)
		}, nil)
	}
	return n
}

// runProdCons runs a bounded-buffer producer/consumer pair over a lock
// and two condition variables, Mesa style.
func runProdCons(k *pintosim.Kernel, finished *atomic.Int64) int64 {
	const items = 16
	const capacity = 4

	l := k.NewLock()
	notEmpty := k.NewCond()
	notFull := k.NewCond()
	var buf []int

	_, _ = k.ThreadCreate("producer", 20, func(arg any) {
		for i := 0; i < items; i++ {
			l.Acquire()
			for len(buf) == capacity {
				notFull.Wait(l)
			}
			buf = append(buf, i)
			notEmpty.Signal(l)
			l.Release()
		}
		finished.Add(1)
	}, nil)

	_, _ = k.ThreadCreate("consumer", 25, func(arg any) {
		for got := 0; got < items; got++ {
			l.Acquire()
			for len(buf) == 0 {
				notEmpty.Wait(l)
			}
			v := buf[0]
			buf = buf[1:]
			notFull.Signal(l)
			l.Release()
			fmt.Printf("consumed %d\n", v)
		}
		finished.Add(1)
	}, nil)

	return 2
}
