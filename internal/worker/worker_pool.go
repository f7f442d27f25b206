// ============================================================================
// Dispatch Call Pool - Concurrent Outbound Call Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the worker goroutines that carry outbound REST calls
//           for the dispatch controller.
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --TrySubmit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool() - create channels
//   2. Start(n) - launch n workers
//   3. TrySubmit(task) / Results()
//   4. Stop() - signal stopCh, wait for workers
//
// Shutdown:
//   taskCh and resultCh are never closed. Stop closes stopCh only, so a
//   TrySubmit racing with Stop returns an error instead of panicking on a
//   closed channel. Calls already running finish; their results are dropped.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed is returned after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull is returned by TrySubmit when the task queue is full.
	ErrPoolFull = errors.New("worker pool queue is full")
)

// Pool runs submitted calls on a fixed set of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose task and result channels hold bufferSize items.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// TrySubmit queues a task without blocking. An event loop that also drains
// Results must use it: blocking there while workers wait on a full result
// channel would deadlock.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Results exposes the result channel for select loops.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop signals the workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
