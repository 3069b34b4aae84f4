// ============================================================================
// Raft-Sessions Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task with a context derived from the pool context (plus optional timeout)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ task.Run(ctx)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Panic Handling:
//   A panicking task is converted into a failed Result so one bad task
//   never takes down the pool.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker task execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	ctx      context.Context // Pool context, cancelled when the pool stops
	taskCh   <-chan Task     // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result   // Result channel (write-only), sends task execution results
	stopCh   <-chan struct{} // Closed when the pool stops
}

func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run main loop, exits when taskCh is closed
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)
		result := Result{
			TaskID:   task.ID,
			Err:      err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// Pool stopped and nobody is reading results any more
		}
	}
}

func (w *Worker) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "worker", w.id, "task", task.ID, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.ID)
	}

	ctx := w.ctx
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return task.Run(ctx)
}
