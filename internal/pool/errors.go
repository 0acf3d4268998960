package pool

import "fmt"

// StallError reports that the wait queue is non-empty, every waiting task
// carries an already-moved buffer, and no worker is busy to return one.
// Exported so the root package can recognize and re-wrap it as the public
// taskmesh.StallError at the API boundary.
type StallError struct{}

func (e *StallError) Error() string {
	return "pool: cannot dispatch waiting tasks because they have neutered arguments"
}

// WorkerError reports a task-level failure raised inside a worker. Per the
// spec such failures are never demoted to a failed-task outcome: they
// abort the pool.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("pool: worker error: %s", e.Message)
}
