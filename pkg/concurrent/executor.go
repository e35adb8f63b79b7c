// Package concurrent provides the execution contexts that channels and handlers
// run on, and the single-assignment promises used to report the outcome of
// asynchronous operations.
package concurrent

import (
	"errors"
)

// ErrExecutorShutdown is returned when a task is submitted to an executor that
// has started shutting down.
var ErrExecutorShutdown = errors.New("executor has been shut down")

// Executor runs submitted tasks one at a time, in submission order.
type Executor interface {
	// Execute queues task to run on the executor. It never runs task inline.
	Execute(task func()) error

	// InEventLoop returns true if the caller is currently running on the executor.
	InEventLoop() bool
}

// RunOn runs task inline if the caller is already on exec, otherwise queues it.
func RunOn(exec Executor, task func()) error {
	if exec.InEventLoop() {
		task()
		return nil
	}
	return exec.Execute(task)
}
