package worker

// ============================================================================
// Worker Pool Test File
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

// sleepTask returns a task that sleeps for d or until its context is done
func sleepTask(id string, d time.Duration) Task {
	return Task{
		ID: id,
		Run: func(ctx context.Context) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Timeout: time.Second,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(context.Background(), 4)
	assert.Error(t, err)

	pool.Stop()
}

// TestWorkerExecution tests Worker task execution
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), time.Millisecond)))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
	}

	assert.Equal(t, taskCount, len(results))
	for _, r := range results {
		assert.True(t, r.Success())
	}
}

// TestTimeout tests task timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	task := sleepTask("timeout-task", time.Second)
	task.Timeout = time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

// TestTaskError tests that task errors are reported
func TestTaskError(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(Task{ID: "bad", Run: func(context.Context) error { return boom }}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, "bad", result.TaskID)
	assert.ErrorIs(t, result.Err, boom)
}

// TestTaskPanicRecovered tests that a panicking task does not kill the worker
func TestTaskPanicRecovered(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "panic", Run: func(context.Context) error { panic("oops") }}))
	require.NoError(t, pool.Submit(sleepTask("after", 0)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Error(t, first.Err)
	assert.Contains(t, first.Err.Error(), "panicked")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success())
}

// TestMissingRunFunction tests a task without a Run function
func TestMissingRunFunction(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "empty"}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Error(t, result.Err)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests concurrent execution
func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	workerCount := 8
	taskCount := 64
	require.NoError(t, pool.Start(context.Background(), workerCount))
	defer pool.Stop()

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), 20*time.Millisecond)))
	}
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success())
	}
	duration := time.Since(start)
	t.Logf("Processed %d tasks in %v with %d workers", taskCount, duration, workerCount)

	// Serial execution would take ~1.3s
	assert.Less(t, duration, time.Second)
}

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(context.Background(), 4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", index), time.Millisecond)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests that Stop waits for running tasks
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 2))

	var finished atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: fmt.Sprintf("task-%d", i),
			Run: func(context.Context) error {
				time.Sleep(50 * time.Millisecond)
				finished.Add(1)
				return nil
			},
		}))
	}

	// Give the workers a moment to pick the tasks up
	time.Sleep(10 * time.Millisecond)
	pool.Stop()
	assert.Equal(t, int32(2), finished.Load())
}

// TestStopBeforeStart tests stopping a pool that never started
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, pool.Stop)
}

// TestSubmitAfterStop tests submitting after stop
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	pool.Stop()

	err := pool.Submit(sleepTask("task-after-stop", 0))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestSubmitBeforeStart tests submitting before start
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(sleepTask("task-before-start", 0))
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestReceiveResultAfterStop tests receiving after stop
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestStopWithUnreadResults tests that Stop does not hang when nobody reads results
func TestStopWithUnreadResults(t *testing.T) {
	pool := NewPool(0)
	require.NoError(t, pool.Start(context.Background(), 1))
	require.NoError(t, pool.Submit(sleepTask("unread", 0)))

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung on an unread result")
	}
}

// ============================================================================
// Run helper
// ============================================================================

func TestRunCollectsAllResults(t *testing.T) {
	tasks := make([]Task, 0, 5)
	for i := 0; i < 5; i++ {
		tasks = append(tasks, sleepTask(fmt.Sprintf("task-%d", i), time.Millisecond))
	}
	results := Run(context.Background(), 10, tasks)
	require.Len(t, results, 5)

	seen := map[string]bool{}
	for _, r := range results {
		assert.True(t, r.Success())
		seen[r.TaskID] = true
	}
	assert.Len(t, seen, 5)

	assert.Nil(t, Run(context.Background(), 2, nil))
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Run(ctx, 2, []Task{sleepTask("a", time.Second), sleepTask("b", time.Second)})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}
