package ticks

import (
	"testing"
	"time"

	"github.com/nbtaylor/pintosim/internal/interrupt"
	"github.com/nbtaylor/pintosim/internal/sched"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClock(t *testing.T) (*Clock, *sched.Scheduler, *interrupt.Gate) {
	t.Helper()
	g := interrupt.New()
	s := sched.New(g, sched.Config{MaxThreads: 16, TimeSlice: 4}, zerolog.Nop())
	c := New(g, s, Config{HZ: 100, LoopsPerTick: 1000}, zerolog.Nop())
	return c, s, g
}

func TestTicksAdvanceOnInterrupt(t *testing.T) {
	c, _, _ := newTestClock(t)
	assert.Equal(t, uint64(0), c.Ticks())
	c.Interrupt()
	assert.Equal(t, uint64(1), c.Ticks())
	c.Interrupt()
	assert.Equal(t, uint64(2), c.Ticks())
}

func TestSleepWakesAtExactTick(t *testing.T) {
	c, s, _ := newTestClock(t)
	woke := make(chan uint64, 1)

	_, err := s.CreateThread("sleeper", 20, func(arg any) {
		c.Sleep(3)
		woke <- c.Ticks()
	}, nil)
	require.NoError(t, err)
	s.Yield() // dispatch the sleeper so it reaches Sleep() and blocks

	for i := 0; i < 2; i++ {
		c.Interrupt()
		s.MaybeYield()
		select {
		case <-woke:
			t.Fatalf("woke too early, at tick %d", c.Ticks())
		default:
		}
	}
	c.Interrupt() // tick 3: should wake it
	s.MaybeYield()
	select {
	case tick := <-woke:
		assert.Equal(t, uint64(3), tick)
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke")
	}
}

func TestSleepersWakeInWakeTickOrder(t *testing.T) {
	c, s, _ := newTestClock(t)
	var order []string
	done := make(chan struct{}, 2)

	_, _ = s.CreateThread("late", 20, func(arg any) {
		c.Sleep(5)
		order = append(order, "late")
		done <- struct{}{}
	}, nil)
	_, _ = s.CreateThread("early", 20, func(arg any) {
		c.Sleep(2)
		order = append(order, "early")
		done <- struct{}{}
	}, nil)
	s.Yield()
	s.Yield() // both already blocked in Sleep (late's Block dispatched early); nothing is ready

	for i := 0; i < 5; i++ {
		c.Interrupt()
		s.MaybeYield()
	}
	<-done
	<-done
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestSleepNonPositiveReturnsImmediately(t *testing.T) {
	c, _, _ := newTestClock(t)
	done := make(chan struct{})
	go func() {
		c.Sleep(0)
		c.Sleep(-1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep(n<=0) should return immediately without blocking")
	}
}

func TestMSleepSubTickFallsBackToBusyWait(t *testing.T) {
	c, _, _ := newTestClock(t)
	before := c.Ticks()
	c.MSleep(0) // well under one tick at HZ=100
	assert.Equal(t, before, c.Ticks(), "sub-tick sleep must not advance ticks")
}

// The busy-wait iteration count must carry the tick frequency: the same
// wall-clock request is a larger fraction of a tick at a higher HZ, so
// the loop count scales linearly with it.
func TestBusyWaitLoopsScaleWithHZ(t *testing.T) {
	newClockAtHZ := func(hz int) *Clock {
		g := interrupt.New()
		s := sched.New(g, sched.Config{MaxThreads: 4}, zerolog.Nop())
		return New(g, s, Config{HZ: hz, LoopsPerTick: 100000}, zerolog.Nop())
	}

	c100 := newClockAtHZ(100)
	// 500us at HZ=100 with 100000 loops/tick:
	// 100000 * 500 / 1000 * 100 / (1000000 / 1000) = 5000 loops.
	assert.Equal(t, int64(5000), c100.busyWaitLoops(500, 1000000))

	c1000 := newClockAtHZ(1000)
	assert.Equal(t, 10*c100.busyWaitLoops(500, 1000000), c1000.busyWaitLoops(500, 1000000),
		"ten times the tick rate means ten times the loops for the same duration")
}

func TestInterruptDefersYieldToCheckpoint(t *testing.T) {
	c, s, _ := newTestClock(t)
	resumed := make(chan struct{})
	_, _ = s.CreateThread("sleeper", 20, func(arg any) {
		c.Sleep(1)
		close(resumed)
	}, nil)
	s.Yield()

	c.Interrupt()
	select {
	case <-resumed:
		t.Fatal("sleeper ran before the idle thread reached a checkpoint")
	default:
	}
	assert.True(t, s.ShouldPreempt(), "woken sleeper should outrank idle")

	s.MaybeYield()
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("sleeper never ran after the checkpoint")
	}
}

func TestRegisteredISRFiresViaDispatch(t *testing.T) {
	c, _, g := newTestClock(t)
	c.Register()
	g.Dispatch(VecTimer)
	assert.Equal(t, uint64(1), c.Ticks())
}

func TestCalibrateConverges(t *testing.T) {
	c, _, _ := newTestClock(t)
	c.loopsPerTick = 0
	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopped:
				return
			default:
				c.Interrupt()
			}
		}
	}()
	c.Calibrate()
	close(stopped)
	assert.Greater(t, c.loopsPerTick, uint64(0))
}
