package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkersSerialisePerKey(t *testing.T) {
	pool := NewWorkers(4)
	var (
		running atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		order   []int
	)

	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, pool.Submit("s1", func() {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		}))
	}
	require.NoError(t, pool.Flush(context.Background(), "s1"))

	assert.False(t, overlap.Load())
	require.Len(t, order, 20)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestWorkersRunKeysConcurrently(t *testing.T) {
	pool := NewWorkers(1)
	gate := make(chan struct{})
	reached := make(chan struct{}, 2)

	for _, key := range []string{"a", "b"} {
		require.NoError(t, pool.Submit(key, func() {
			reached <- struct{}{}
			<-gate
		}))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-reached:
		case <-time.After(2 * time.Second):
			t.Fatal("distinct keys should not block each other")
		}
	}
	close(gate)
	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, 0, pool.Active())
	assert.ErrorIs(t, pool.Submit("a", func() {}), ErrPoolClosed)
}

func TestWorkersDoReturnsTaskError(t *testing.T) {
	pool := NewWorkers(0)
	err := pool.Do(context.Background(), "k", func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool { return pool.Active() == 0 }, time.Second, 5*time.Millisecond)
}
