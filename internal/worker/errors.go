package worker

import "errors"

var (
	// ErrInitialization means the worker failed to start or to load its header.
	ErrInitialization = errors.New("worker initialization failed")
	// ErrWorkerCrashed means the process died or emitted unparseable output.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrExecutionTimeout means a single request exceeded its timeout.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrMemoryLimitExceeded accompanies ErrWorkerCrashed when the OS memory
	// limit is the likely cause.
	ErrMemoryLimitExceeded = errors.New("memory limit exceeded")
	// ErrNotReady is returned by Execute on a worker that is not Ready.
	ErrNotReady = errors.New("worker not ready")
)
