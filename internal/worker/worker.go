// ============================================================================
// Dispatch Worker - Call Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs outbound calls (accept, reject, status, resync...) in its own
//           goroutine so the dispatch actor never blocks on the network.
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select task from taskCh      │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ task.Run(ctx)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each task gets its own context.WithTimeout. A call that overruns its
//   deadline reports context.DeadlineExceeded through Result.Err; the caller
//   decides how to classify it.
//
// Panics:
//   A panicking call is recovered and reported as an error result so the
//   worker keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run takes tasks until the pool stops. A task already started runs to
// completion; its result is dropped if nobody is left to receive it.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				log.Debug("Dropping result after stop", "worker", w.id, "op", task.Op, "task", task.ID)
				return
			}
		}
	}
}

func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{TaskID: task.ID, Op: task.Op}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer func() {
		cancel()
		if r := recover(); r != nil {
			log.Error("Call panicked", "worker", w.id, "op", task.Op, "panic", r)
			result.Err = fmt.Errorf("%s: panic: %v", task.Op, r)
		}
		result.Duration = time.Since(start)
	}()

	if task.Run == nil {
		result.Err = fmt.Errorf("%s: nil call", task.Op)
		return result
	}
	result.Value, result.Err = task.Run(ctx)
	return result
}
