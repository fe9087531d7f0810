// ============================================================================
// schedopt Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs optimization tasks, each Worker runs in an
// independent goroutine
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task with a context derived from the pool context
//      (plus the task timeout, if any)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Error Handling:
//   - Timeout error: ctx.Err() returns DeadlineExceeded
//   - Panic inside a task: recovered and reported as ErrTaskPanicked
//   - All errors are encapsulated in Result and returned
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTaskPanicked wraps a panic recovered from a task.
var ErrTaskPanicked = errors.New("task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	ctx      context.Context // Pool context, cancelled on Stop
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		result := Result{
			TaskID:   task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
			WorkerID: w.id,
		}

		select {
		case w.resultCh <- result:
		default:
			log.Warn("Result channel full, dropping result", "worker", w.id, "taskID", task.ID)
		}
	}
}

// execute runs one task under its timeout and converts panics into errors
func (w *Worker) execute(task Task) (err error) {
	ctx, cancel := w.ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			log.Error("Task panicked", "worker", w.id, "taskID", task.ID, "panic", r)
		}
	}()

	if task.Run == nil {
		return errors.New("task has no run function")
	}
	return task.Run(ctx)
}
