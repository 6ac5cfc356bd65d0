package pintosim

import (
	"testing"

	"github.com/nbtaylor/pintosim/internal/ticks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := Boot(KernelConfig{HZ: 100, LoopsPerTick: 1000, Log: zerolog.Nop()})
	require.NoError(t, err)
	return k
}

func TestBootRejectsOutOfRangeHZ(t *testing.T) {
	for _, hz := range []int{18, 1001, -5} {
		_, err := Boot(KernelConfig{HZ: hz, Log: zerolog.Nop()})
		assert.Error(t, err, "HZ=%d", hz)
	}
}

func TestBootAppliesDefaults(t *testing.T) {
	k, err := Boot(KernelConfig{Log: zerolog.Nop()})
	require.NoError(t, err)
	assert.NotNil(t, k.ThreadCurrent())
	assert.Equal(t, uint64(0), k.Ticks())
}

// A thread sleeping 50 ticks is not scheduled again until the 50th tick
// after it went to sleep, and sees at least that much elapsed time.
func TestBasicSleep(t *testing.T) {
	k := bootTestKernel(t)
	var woke bool
	var elapsed uint64

	_, err := k.ThreadCreate("sleeper", 31, func(arg any) {
		start := k.Ticks()
		k.Sleep(50)
		elapsed = k.Elapsed(start)
		woke = true
	}, nil)
	require.NoError(t, err)
	k.ThreadYield() // sleeper runs and blocks in Sleep

	for i := 0; i < 49; i++ {
		k.Tick()
		require.False(t, woke, "woke early at tick %d", k.Ticks())
	}
	k.Tick()
	assert.True(t, woke, "sleeper should wake on the 50th tick")
	assert.GreaterOrEqual(t, elapsed, uint64(50))
}

// The synch constructors hand out primitives bound to this kernel's
// scheduler; a full sleep/wake/lock round trip works through the facade
// alone.
func TestFacadeRoundTrip(t *testing.T) {
	k := bootTestKernel(t)
	l := k.NewLock()
	done := k.NewSema(0)

	_, err := k.ThreadCreate("worker", 20, func(arg any) {
		l.Acquire()
		k.Sleep(2)
		l.Release()
		done.Up()
	}, nil)
	require.NoError(t, err)
	k.ThreadYield()

	k.Tick()
	k.Tick()
	done.Down()
	assert.True(t, l.TryAcquire(), "worker must have released the lock")
	l.Release()
}

func TestRaiseTimerVectorAdvancesTicks(t *testing.T) {
	k := bootTestKernel(t)
	before := k.Ticks()
	k.RaiseInterrupt(ticks.VecTimer)
	assert.Equal(t, before+1, k.Ticks())
}

func TestRaiseUnregisteredVectorPanics(t *testing.T) {
	k := bootTestKernel(t)
	assert.Panics(t, func() { k.RaiseInterrupt(0x21) })
}
