package dispatch

import (
	"context"

	"github.com/mattjoyce/leangate/internal/pool"
	"github.com/mattjoyce/leangate/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_pool.go -package=mocks github.com/mattjoyce/leangate/internal/dispatch WorkerPool

// WorkerPool is the part of *pool.Pool the dispatcher needs.
type WorkerPool interface {
	Acquire(ctx context.Context, h worker.Header, opts ...pool.AcquireOption) (worker.Worker, error)
	Release(w worker.Worker, outcome pool.Outcome)
	RecordRepeatedCrash(h worker.Header) int64
}

// Recorder persists finished requests. Failures are logged, never surfaced.
type Recorder interface {
	Record(ctx context.Context, req Request, resp Response) error
}

// Publisher receives request lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

var _ WorkerPool = (*pool.Pool)(nil)
