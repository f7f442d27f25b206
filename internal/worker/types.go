package worker

import (
	"context"
	"time"
)

// Call is the work a task performs. The returned value travels back in Result.
type Call func(ctx context.Context) (any, error)

// Task is one outbound call scheduled on the pool.
type Task struct {
	ID      string        // correlation id, echoed in Result
	Op      string        // operation name for logs and metrics
	Run     Call          // the call itself
	Timeout time.Duration // per-call deadline; zero means no deadline
}

// Result reports a finished task.
type Result struct {
	TaskID   string
	Op       string
	Value    any
	Err      error
	Duration time.Duration
}
