package pool

import (
	"log/slog"
	"time"

	"github.com/mattjoyce/leangate/internal/metrics"
	"github.com/mattjoyce/leangate/internal/worker"
)

// Publisher receives pool lifecycle events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// PrewarmSpec asks for Count workers bound to Header at startup.
type PrewarmSpec struct {
	Header worker.Header
	Count  int
}

// Config is computed once at startup.
type Config struct {
	MaxWorkers int
	// MaxWait bounds how long Acquire queues for a worker.
	MaxWait time.Duration
	Prewarm []PrewarmSpec

	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Publisher Publisher
}

// Outcome tells Release what happened to the request a worker served.
type Outcome int

const (
	// OutcomeOK keeps the worker unless it is due for recycling.
	OutcomeOK Outcome = iota
	// OutcomeTimeout retires the worker; its REPL state is unknown.
	OutcomeTimeout
	// OutcomeCrashed retires a worker that died mid-request.
	OutcomeCrashed
	// OutcomeRetire retires the worker for any other reason.
	OutcomeRetire
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCrashed:
		return "crashed"
	case OutcomeRetire:
		return "retire"
	default:
		return "unknown"
	}
}

type acquireOptions struct {
	fresh bool
}

// AcquireOption tunes a single Acquire call.
type AcquireOption func(*acquireOptions)

// WithFresh asks for a worker that has never served a request. Crash
// retries use it so they do not land on a sibling of the crashed process.
func WithFresh() AcquireOption {
	return func(o *acquireOptions) { o.fresh = true }
}
