package datathread

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchProcessesOperation(t *testing.T) {
	var processed atomic.Int32
	pool := New(PoolConfig{
		Master: Config{
			Workers:   2,
			QueueSize: 4,
			Process: func(ctx context.Context, op Operation) error {
				processed.Add(1)
				return nil
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	done := make(chan error, 1)
	err := pool.Dispatch(ctx, Operation{
		ObjectID: 1, BlockOffset: 0,
		OnComplete: func(err error) { done <- err },
	}, true)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("operation never completed")
	}
	assert.Equal(t, int32(1), processed.Load())
}

func TestSameBlockOrderedOnOneWorker(t *testing.T) {
	var mu sync.Mutex
	var order []int

	pool := New(PoolConfig{
		Master: Config{
			Workers:   8,
			QueueSize: 16,
			Process: func(ctx context.Context, op Operation) error {
				mu.Lock()
				order = append(order, int(op.SliceOffset))
				mu.Unlock()
				return nil
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		done := make(chan struct{})
		err := pool.Dispatch(ctx, Operation{
			ObjectID: 5, BlockOffset: 100, SliceOffset: uint32(i),
			OnComplete: func(error) { close(done) },
		}, true)
		require.NoError(t, err)
		<-done // wait for this op to finish before dispatching the next
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v, "operations on the same block must be processed in dispatch order")
	}
}

func TestSlaveDefaultsToMasterConfig(t *testing.T) {
	var calls atomic.Int32
	pool := New(PoolConfig{
		Master: Config{
			Workers:   1,
			QueueSize: 2,
			Process: func(ctx context.Context, op Operation) error {
				calls.Add(1)
				return nil
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	done := make(chan struct{})
	err := pool.Dispatch(ctx, Operation{OnComplete: func(error) { close(done) }}, false)
	require.NoError(t, err)
	<-done
	assert.Equal(t, int32(1), calls.Load())
}

func TestDepthReportsQueuedOperations(t *testing.T) {
	block := make(chan struct{})
	pool := New(PoolConfig{
		Master: Config{
			Workers:   1,
			QueueSize: 8,
			Process: func(ctx context.Context, op Operation) error {
				<-block
				return nil
			},
		},
	})

	ctx := context.Background()
	pool.Start(ctx)
	defer func() {
		close(block)
		pool.Stop()
	}()

	for i := 0; i < 3; i++ {
		err := pool.Dispatch(ctx, Operation{BlockOffset: uint64(i)}, true)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		master, _ := pool.Depth()
		return master == 2
	}, time.Second, time.Millisecond, "one op is blocked in-flight, two remain queued")

	_, slave := pool.Depth()
	assert.Equal(t, 0, slave)
}

func TestStopDrainsPendingOperations(t *testing.T) {
	var processed atomic.Int32
	block := make(chan struct{})

	pool := New(PoolConfig{
		Master: Config{
			Workers:   1,
			QueueSize: 8,
			Process: func(ctx context.Context, op Operation) error {
				<-block
				processed.Add(1)
				return nil
			},
		},
	})

	ctx := context.Background()
	pool.Start(ctx)

	for i := 0; i < 3; i++ {
		err := pool.Dispatch(ctx, Operation{SliceOffset: uint32(i)}, true)
		require.NoError(t, err)
	}

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	close(block)
	<-stopped
	assert.Equal(t, int32(3), processed.Load(), "Stop must drain all queued operations, not just the in-flight one")
}
