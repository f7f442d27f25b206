package worker

// ============================================================================
// Call Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(v any) Call {
	return func(context.Context) (any, error) { return v, nil }
}

func sleepy(d time.Duration) Call {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// receive waits for the next result or fails.
func receive(t testing.TB, pool *Pool) Result {
	t.Helper()
	select {
	case r := <-pool.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
		return Result{}
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)
	assert.Empty(t, pool.workers)

	err := pool.Start(4)
	require.NoError(t, err)
	assert.Len(t, pool.workers, 4)

	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		err := pool.TrySubmit(Task{ID: fmt.Sprintf("call-%d", i), Op: "echo", Run: echo(i), Timeout: time.Second})
		require.NoError(t, err)
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result := receive(t, pool)
		results[result.TaskID] = result
	}

	assert.Len(t, results, taskCount)
	assert.Equal(t, 3, results["call-3"].Value)
	assert.Equal(t, "echo", results["call-3"].Op)
	assert.NoError(t, results["call-3"].Err)
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.TrySubmit(Task{ID: "slow", Op: "accept", Run: sleepy(time.Second), Timeout: 5 * time.Millisecond}))

	result := receive(t, pool)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Less(t, result.Duration, time.Second)
}

func TestCallErrorIsReported(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("boom")
	require.NoError(t, pool.TrySubmit(Task{ID: "x", Run: func(context.Context) (any, error) { return nil, boom }}))

	result := receive(t, pool)
	assert.ErrorIs(t, result.Err, boom)
}

func TestPanicIsRecovered(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.TrySubmit(Task{ID: "p", Op: "status", Run: func(context.Context) (any, error) { panic("bad") }}))
	require.NoError(t, pool.TrySubmit(Task{ID: "ok", Run: echo("fine")}))

	first := receive(t, pool)
	assert.ErrorContains(t, first.Err, "panic")

	second := receive(t, pool)
	assert.Equal(t, "fine", second.Value, "worker survives a panicking call")
}

func TestNilCall(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.TrySubmit(Task{ID: "nil", Op: "reject"}))
	result := receive(t, pool)
	assert.Error(t, result.Err)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// A slow call must not hold up a fast one submitted after it.
func TestSlowCallDoesNotBlockOthers(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	require.NoError(t, pool.TrySubmit(Task{ID: "slow", Run: sleepy(300 * time.Millisecond), Timeout: time.Second}))
	require.NoError(t, pool.TrySubmit(Task{ID: "fast", Run: echo(1)}))

	result := receive(t, pool)
	assert.Equal(t, "fast", result.TaskID)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var ran atomic.Int32
	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			err := pool.TrySubmit(Task{ID: fmt.Sprint(index), Run: func(context.Context) (any, error) {
				ran.Add(1)
				return nil, nil
			}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		receive(t, pool)
	}
	assert.Equal(t, int32(taskCount), ran.Load())
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.TrySubmit(Task{ID: "late", Run: echo(nil)})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestTrySubmitNeverBlocks(t *testing.T) {
	pool := NewPool(1)
	assert.Equal(t, ErrPoolNotStarted, pool.TrySubmit(Task{ID: "early", Run: echo(nil)}))

	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	release := make(chan struct{})
	blocked := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}
	require.NoError(t, pool.TrySubmit(Task{ID: "running", Run: blocked}))
	// wait until the worker has taken the first task off the queue
	require.Eventually(t, func() bool { return len(pool.taskCh) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.TrySubmit(Task{ID: "queued", Run: echo(nil)}))

	assert.Equal(t, ErrPoolFull, pool.TrySubmit(Task{ID: "overflow", Run: echo(nil)}))
	close(release)
}

// Stop lets a running call finish before it returns.
func TestStopWaitsForInFlightCall(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, pool.TrySubmit(Task{ID: "inflight", Run: func(context.Context) (any, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	}}))
	<-started

	pool.Stop()
	assert.True(t, finished.Load())
	assert.Equal(t, ErrPoolClosed, pool.TrySubmit(Task{ID: "after", Run: echo(nil)}))
}

func TestSubmitRacingStopNeverPanics(t *testing.T) {
	for i := 0; i < 20; i++ {
		pool := NewPool(1)
		require.NoError(t, pool.Start(1))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := pool.TrySubmit(Task{ID: "r", Run: echo(j)}); errors.Is(err, ErrPoolClosed) {
					return
				}
			}
		}()
		assert.NotPanics(t, pool.Stop)
		wg.Wait()
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	_ = pool.Start(8)
	defer pool.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pool.Results():
			case <-done:
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for pool.TrySubmit(Task{ID: "b", Run: echo(i), Timeout: time.Second}) == ErrPoolFull {
			time.Sleep(time.Microsecond)
		}
	}
}
