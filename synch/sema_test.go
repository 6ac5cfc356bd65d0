package synch

import (
	"testing"

	"github.com/nbtaylor/pintosim/internal/interrupt"
	"github.com/nbtaylor/pintosim/internal/sched"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRuntime builds a kernel runtime whose bootstrap/idle thread is
// the test goroutine itself, so a test can act as the lowest-priority
// thread and orchestrate the others purely through scheduler hand-offs.
func newTestRuntime(t *testing.T) Runtime {
	t.Helper()
	g := interrupt.New()
	s := sched.New(g, sched.Config{MaxThreads: 32}, zerolog.Nop())
	return Runtime{Gate: g, Sched: s}
}

func TestDownThenUpLeavesValueUnchanged(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 1)
	s.Down()
	s.Up()
	assert.Equal(t, 1, s.value)
}

func TestUpWithNoWaitersJustIncrements(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 0)
	s.Up()
	assert.Equal(t, 1, s.value)
	assert.True(t, s.TryDown())
	assert.False(t, s.TryDown(), "second TryDown must fail on an empty semaphore")
}

func TestDownWithPositiveValueNeverBlocks(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 2)
	s.Down()
	s.Down()
	assert.Equal(t, 0, s.value)
}

func TestWaitersWakeInPriorityOrder(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 0)
	var order []string

	for _, tc := range []struct {
		name string
		prio int
	}{{"low", 20}, {"med", 25}, {"high", 30}} {
		name := tc.name
		_, err := rt.Sched.CreateThread(name, tc.prio, func(arg any) {
			s.Down()
			order = append(order, name)
		}, nil)
		require.NoError(t, err)
	}
	rt.Sched.Yield() // all three run in turn and block on the semaphore

	s.Up()
	s.Up()
	s.Up()
	assert.Equal(t, []string{"high", "med", "low"}, order)
}

func TestDownFromInterruptContextPanics(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 1)
	rt.Gate.AwaitEnabledThenDisable()
	defer rt.Gate.EndInterrupt()
	assert.Panics(t, func() { s.Down() })
}

func TestTryDownIsLegalFromInterruptContext(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 1)
	rt.Gate.AwaitEnabledThenDisable()
	assert.True(t, s.TryDown())
	assert.False(t, s.TryDown())
	rt.Gate.EndInterrupt()
}

func TestUpFromInterruptContextDefersYield(t *testing.T) {
	rt := newTestRuntime(t)
	s := NewSema(rt, 0)
	_, err := rt.Sched.CreateThread("waiter", 50, func(arg any) {
		s.Down()
	}, nil)
	require.NoError(t, err)
	rt.Sched.Yield() // waiter blocks

	rt.Gate.AwaitEnabledThenDisable()
	s.Up()
	rt.Gate.EndInterrupt()

	assert.True(t, rt.Gate.ConsumeYieldOnReturn(),
		"Up in interrupt context must defer the yield, not take it")
	rt.Sched.MaybeYield() // let the waiter drain
}

func TestNegativeInitialValuePanics(t *testing.T) {
	rt := newTestRuntime(t)
	assert.Panics(t, func() { NewSema(rt, -1) })
}
