package reactive

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSetNotifiesOnChange(t *testing.T) {
	v := NewValue(1)
	var got []int
	sub := v.Subscribe(func(n int) { got = append(got, n) })

	assert.True(t, v.Set(2))
	assert.False(t, v.Set(2), "equal write is a no-op")
	assert.True(t, v.Set(3))
	assert.Equal(t, []int{2, 3}, got)
	assert.Equal(t, uint64(2), v.Version())

	sub.Unsubscribe()
	sub.Unsubscribe()
	v.Set(4)
	assert.Equal(t, []int{2, 3}, got)
	assert.Equal(t, 4, v.Get())
}

func TestValueFuncEquality(t *testing.T) {
	v := NewValueFunc("a", func(a, b string) bool { return len(a) == len(b) })
	assert.False(t, v.Set("b"))
	assert.True(t, v.Set("bb"))
}

func TestSubscribersOrderAndReentrancy(t *testing.T) {
	var s Subscribers[string]
	var order []string
	s.Subscribe(func(v string) { order = append(order, "first:"+v) })
	var late *Subscription
	s.Subscribe(func(v string) {
		order = append(order, "second:"+v)
		if late == nil {
			// subscribing from a callback must not deadlock
			late = s.Subscribe(func(v string) { order = append(order, "late:"+v) })
		}
	})

	s.Notify("x")
	s.Notify("y")

	assert.Equal(t, []string{"first:x", "second:x", "first:y", "second:y", "late:y"}, order)
	assert.Equal(t, 3, s.Len())
}

func TestNotifierNestedBatchFiresOnce(t *testing.T) {
	var n Notifier
	var events []MutationEvent
	n.Subscribe(func(e MutationEvent) { events = append(events, e) })

	n.Batch(func() bool {
		for i := 0; i < 3; i++ {
			n.Batch(func() bool { return true })
		}
		return false
	})

	require.Len(t, events, 2)
	assert.Equal(t, WillMutate, events[0].Phase)
	assert.Equal(t, HasMutated, events[1].Phase)
	assert.Equal(t, uint64(1), events[1].Version, "inner changes mark the outer batch dirty")
	assert.Equal(t, uint64(1), n.Version())
}

func TestNotifierUnchangedBatchKeepsVersion(t *testing.T) {
	var n Notifier
	assert.False(t, n.Batch(func() bool { return false }))
	assert.Equal(t, uint64(0), n.Version())

	n.Touch()
	assert.Equal(t, uint64(1), n.Version())
}

func TestNotifierPanicStillCloses(t *testing.T) {
	var n Notifier
	var phases []Phase
	n.Subscribe(func(e MutationEvent) { phases = append(phases, e.Phase) })

	assert.Panics(t, func() {
		n.Batch(func() bool { panic("boom") })
	})
	assert.Equal(t, []Phase{WillMutate, HasMutated}, phases)

	n.Touch()
	assert.Equal(t, []Phase{WillMutate, HasMutated, WillMutate, HasMutated}, phases)
}

func TestValueConcurrentAccess(t *testing.T) {
	v := NewValue(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v.Set(i)
			_ = v.Get()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, v.Version(), uint64(50))
}
