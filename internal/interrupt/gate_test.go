package interrupt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisableRestoreRoundTrip(t *testing.T) {
	g := New()
	assert.Equal(t, Enabled, g.RawLevel())

	prev := g.Disable()
	assert.Equal(t, Enabled, prev)
	assert.Equal(t, Disabled, g.RawLevel())

	g.Restore(prev)
	assert.Equal(t, Enabled, g.RawLevel())
}

func TestDisableNeverBlocksWhenAlreadyDisabled(t *testing.T) {
	g := New()
	g.Disable()
	done := make(chan Level, 1)
	go func() { done <- g.Disable() }()
	select {
	case prev := <-done:
		assert.Equal(t, Disabled, prev)
	case <-time.After(time.Second):
		t.Fatal("Disable blocked with interrupts already disabled")
	}
}

func TestAwaitEnabledThenDisableWaitsForRestore(t *testing.T) {
	g := New()
	prev := g.Disable()

	fired := make(chan bool, 1)
	go func() {
		g.AwaitEnabledThenDisable()
		fired <- g.InContext() // as seen from inside the handler
	}()

	select {
	case <-fired:
		t.Fatal("ISR fired while interrupts were disabled")
	case <-time.After(50 * time.Millisecond):
	}

	g.Restore(prev)

	select {
	case inCtx := <-fired:
		assert.True(t, inCtx, "the handler's goroutine is interrupt context")
	case <-time.After(time.Second):
		t.Fatal("ISR never fired after interrupts were re-enabled")
	}
	assert.False(t, g.InContext(), "a bystander goroutine is not interrupt context")
	g.EndInterrupt()
	assert.Equal(t, Enabled, g.RawLevel())
}

// Thread-context Disable must wait out an interrupt handler that is still
// in flight; handler-context Disable must not wait on itself.
func TestDisableWaitsOutInterruptHandler(t *testing.T) {
	g := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	g.RegisterExt(0x21, func() {
		close(entered)
		<-release
	}, "test device")

	go g.Dispatch(0x21)
	<-entered

	got := make(chan Level, 1)
	go func() { got <- g.Disable() }()
	select {
	case <-got:
		t.Fatal("Disable returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case prev := <-got:
		assert.Equal(t, Enabled, prev, "EndInterrupt re-enabled before Disable won the race")
	case <-time.After(time.Second):
		t.Fatal("Disable never returned after the handler finished")
	}
}

func TestDisableInsideHandlerDoesNotDeadlock(t *testing.T) {
	g := New()
	var prevInside Level
	g.RegisterExt(0x22, func() {
		prevInside = g.Disable()
		g.Restore(prevInside)
	}, "test device")
	g.Dispatch(0x22)
	assert.Equal(t, Disabled, prevInside, "interrupts are off inside a handler")
	assert.Equal(t, Enabled, g.RawLevel())
}

func TestYieldOnReturnConsumedOnce(t *testing.T) {
	g := New()
	require.False(t, g.ConsumeYieldOnReturn())
	g.SetYieldOnReturn()
	assert.True(t, g.ConsumeYieldOnReturn())
	assert.False(t, g.ConsumeYieldOnReturn())
}

func TestSetRawLevelWakesWaitingISR(t *testing.T) {
	g := New()
	g.SetRawLevel(Disabled)

	fired := make(chan struct{})
	go func() {
		g.AwaitEnabledThenDisable()
		close(fired)
	}()

	time.Sleep(20 * time.Millisecond)
	g.SetRawLevel(Enabled)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ISR never woke after SetRawLevel(Enabled)")
	}
}
