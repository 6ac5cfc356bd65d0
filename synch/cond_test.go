package synch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWaiters spawns one thread per entry that waits on c under l and
// records its name on wakeup, and runs them all until they are parked in
// Wait.
func startWaiters(t *testing.T, rt Runtime, l *Lock, c *Cond, order *[]string, waiters []struct {
	name string
	prio int
}) {
	t.Helper()
	for _, w := range waiters {
		name := w.name
		_, err := rt.Sched.CreateThread(name, w.prio, func(arg any) {
			l.Acquire()
			c.Wait(l)
			*order = append(*order, name)
			l.Release()
		}, nil)
		require.NoError(t, err)
	}
	rt.Sched.Yield()
}

func TestSignalWakesInPriorityOrder(t *testing.T) {
	rt := newTestRuntime(t)
	l := NewLock(rt)
	c := NewCond(rt)
	var order []string

	startWaiters(t, rt, l, c, &order, []struct {
		name string
		prio int
	}{{"a", 10}, {"b", 20}, {"c", 30}})

	l.Acquire()
	c.Signal(l)
	c.Signal(l)
	c.Signal(l)
	l.Release()

	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestBroadcastWakesEveryWaiter(t *testing.T) {
	rt := newTestRuntime(t)
	l := NewLock(rt)
	c := NewCond(rt)
	var order []string

	startWaiters(t, rt, l, c, &order, []struct {
		name string
		prio int
	}{{"a", 10}, {"b", 20}, {"c", 30}})

	l.Acquire()
	c.Broadcast(l)
	l.Release()

	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Empty(t, c.waiters)
}

func TestSignalWithNoWaitersIsNoOp(t *testing.T) {
	rt := newTestRuntime(t)
	l := NewLock(rt)
	c := NewCond(rt)

	l.Acquire()
	c.Signal(l)
	c.Broadcast(l)
	l.Release()
	assert.Empty(t, c.waiters)
}

func TestWaitWithoutLockPanics(t *testing.T) {
	rt := newTestRuntime(t)
	l := NewLock(rt)
	c := NewCond(rt)
	assert.Panics(t, func() { c.Wait(l) })
	assert.Panics(t, func() { c.Signal(l) })
	assert.Panics(t, func() { c.Broadcast(l) })
}

// Mesa semantics: a consumer that rechecks its predicate after every
// wakeup makes progress against a producer signalling one item at a time,
// with no signal lost between the Release and the private-semaphore Down
// inside Wait.
func TestMesaProducerConsumerProgress(t *testing.T) {
	rt := newTestRuntime(t)
	l := NewLock(rt)
	c := NewCond(rt)
	var queue, consumed []int

	_, err := rt.Sched.CreateThread("consumer", 30, func(arg any) {
		l.Acquire()
		for len(consumed) < 3 {
			for len(queue) == 0 {
				c.Wait(l)
			}
			consumed = append(consumed, queue[0])
			queue = queue[1:]
		}
		l.Release()
	}, nil)
	require.NoError(t, err)
	rt.Sched.Yield() // consumer parks in Wait

	for i := 0; i < 3; i++ {
		l.Acquire()
		queue = append(queue, i)
		c.Signal(l)
		l.Release()
	}

	assert.Equal(t, []int{0, 1, 2}, consumed)
	assert.Empty(t, queue)
}
