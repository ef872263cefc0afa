package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/leangate/internal/log"
	"github.com/mattjoyce/leangate/internal/protocol"
)

// Worker is one external process (or exporter slot) bound to a header.
type Worker interface {
	ID() string
	Header() Header
	State() State
	Uses() int
	// Alive reports whether the worker can still accept requests.
	Alive() bool
	// Execute runs one job. It must not be called concurrently.
	Execute(ctx context.Context, job *Job) (*Result, error)
	// ShouldRecycle reports whether the worker hit its use or memory budget.
	ShouldRecycle() (bool, string)
	// Terminate asks the process to exit, forcing it after the grace period.
	// It is idempotent and always leaves the worker Dead.
	Terminate() error
	LastError() error
	// Stderr returns the tail of the process's standard error.
	Stderr() string
}

// Spawner creates workers. Implementations block until the worker is Ready.
type Spawner interface {
	Spawn(ctx context.Context, h Header) (Worker, error)
}

// Job is a single request as seen by a worker.
type Job struct {
	ID      string
	Code    string
	Module  string
	Timeout time.Duration

	AllTactics bool
	Infotree   string
}

// Result is a worker's answer to a Job.
type Result struct {
	// Payload is the opaque JSON produced by the worker.
	Payload     json.RawMessage
	Diagnostics []protocol.Message
	// Error is a request-level failure reported by a healthy worker (bad
	// module name, exporter exit status, REPL rejecting the command).
	Error   string
	Elapsed time.Duration
}

// Options configures both worker variants.
type Options struct {
	// ReplCommand is the argv used to start a REPL, e.g. ["lake", "env", "repl"].
	ReplCommand []string
	ProjectDir  string

	ExporterPath       string
	ExporterProjectDir string

	MaxUses        int
	MaxMemoryBytes int64
	InitTimeout    time.Duration
	GracePeriod    time.Duration
	DiscardEnvs    bool

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.InitTimeout <= 0 {
		o.InitTimeout = 5 * time.Minute
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	return o
}

func (o Options) workerLogger(id string, h Header) *slog.Logger {
	if o.Logger == nil {
		return log.WithWorker(id, h.Key())
	}
	return o.Logger.With(slog.String("worker_id", id), slog.String("header", h.Key()))
}

// base holds what both variants share.
type base struct {
	id     string
	header Header
	opts   Options
	logger *slog.Logger

	uses atomic.Int64
	lc   lifecycle
}

func (b *base) ID() string       { return b.id }
func (b *base) Header() Header   { return b.header }
func (b *base) State() State     { return b.lc.get() }
func (b *base) Uses() int        { return int(b.uses.Load()) }
func (b *base) LastError() error { return b.lc.err() }

func (b *base) overUses() (bool, string) {
	if b.opts.MaxUses > 0 && b.Uses() >= b.opts.MaxUses {
		return true, "max uses reached"
	}
	return false, ""
}
