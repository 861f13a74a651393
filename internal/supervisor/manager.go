package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/logger"
)

// Task is the body of a supervised run. It must return once ctx is cancelled.
type Task func(ctx context.Context) error

// CrashHandler is invoked, still inside the task goroutine, when a task panics.
// The supervisor reports the task as running until it returns.
type CrashHandler func(err error)

// TaskManager handles the lifecycle of the single in-flight run task.
// It manages starting, cooperative stopping, and waiting for the task.
type TaskManager struct {
	mu     sync.Mutex
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a new TaskManager instance.
func New() *TaskManager {
	return &TaskManager{}
}

// Start launches task in its own goroutine under a context derived from parent.
// It refuses to start while a previous task has not returned yet, including one
// that has been stopped and is still winding down.
func (tm *TaskManager) Start(parent context.Context, name string, task Task, onCrash CrashHandler) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.runningLocked() {
		return errors.New(errors.ErrCodeAlreadyRunning, "start", fmt.Sprintf("%s already running", tm.name), nil)
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	tm.name = name
	tm.cancel = cancel
	tm.done = done
	tm.err = nil

	logger.Log.Info("Supervisor: Starting task", "task", name)
	go tm.run(ctx, cancel, done, task, onCrash)
	return nil
}

func (tm *TaskManager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, task Task, onCrash CrashHandler) {
	var err error
	defer func() {
		cancel()
		tm.mu.Lock()
		tm.err = err
		tm.mu.Unlock()
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrCodeRunCrashed, tm.name, fmt.Sprintf("panic: %v", r), nil)
			logger.Log.Error("Supervisor: Task crashed", "task", tm.name, "panic", r, "stack", string(debug.Stack()))
			if onCrash != nil {
				onCrash(err)
			}
		}
	}()
	err = task(ctx)
}

// Stop requests cooperative cancellation. It does not wait.
func (tm *TaskManager) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.cancel != nil && tm.runningLocked() {
		logger.Log.Info("Supervisor: Stopping task", "task", tm.name)
		tm.cancel()
	}
}

// Wait blocks until the current task returns or ctx ends, and returns the task's error.
func (tm *TaskManager) Wait(ctx context.Context) error {
	tm.mu.Lock()
	done := tm.done
	tm.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		tm.mu.Lock()
		defer tm.mu.Unlock()
		return tm.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a task is in flight.
func (tm *TaskManager) Running() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.runningLocked()
}

func (tm *TaskManager) runningLocked() bool {
	if tm.done == nil {
		return false
	}
	select {
	case <-tm.done:
		return false
	default:
		return true
	}
}

// Personal.AI order the ending
