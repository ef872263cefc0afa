package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/leangate/internal/log"
	"github.com/mattjoyce/leangate/internal/metrics"
	"github.com/mattjoyce/leangate/internal/pool"
	"github.com/mattjoyce/leangate/internal/worker"
	"github.com/mattjoyce/leangate/pkg/retry"
)

const (
	// defaultTimeout applies when neither the request nor the config sets one.
	defaultTimeout = 60 * time.Second

	// EventRequestDone is published once per finished request.
	EventRequestDone = "request.done"

	tracerName = "github.com/mattjoyce/leangate/dispatch"
)

var validInfotree = map[string]bool{
	"": true, "full": true, "tactics": true, "original": true, "substantive": true,
}

// Config wires optional collaborators. Zero values are fine.
type Config struct {
	DefaultTimeout time.Duration
	Recorder       Recorder
	Publisher      Publisher
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
	Logger         *slog.Logger
}

// Dispatcher runs batches of requests against a WorkerPool.
type Dispatcher struct {
	pool   WorkerPool
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Dispatcher.
func New(p WorkerPool, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{pool: p, cfg: cfg, logger: logger, tracer: tracer}
}

// Handle runs every request concurrently and returns one response per
// request, in input order. It never fails as a whole.
func (d *Dispatcher) Handle(ctx context.Context, reqs []Request) []Response {
	out := make([]Response, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	items := slices.Clone(reqs)
	groups := make(map[string]int)
	for i := range items {
		if items[i].CustomID == "" {
			items[i].CustomID = uuid.NewString()
		}
		if p, err := d.prepare(items[i]); err == nil {
			groups[p.header.Key()]++
		}
	}
	d.logger.Info("dispatching batch", "requests", len(items), "headers", len(groups))

	var g errgroup.Group
	for i := range items {
		g.Go(func() error {
			out[i] = d.handleOne(ctx, items[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// prepared is a validated request.
type prepared struct {
	header worker.Header
	job    *worker.Job
	debug  bool
}

func (d *Dispatcher) prepare(req Request) (*prepared, error) {
	kind, err := worker.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if req.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	if !validInfotree[req.Flags.Infotree] {
		return nil, fmt.Errorf("unknown infotree mode %q", req.Flags.Infotree)
	}

	timeout := d.cfg.DefaultTimeout
	if req.Timeout > 0 {
		timeout = seconds(req.Timeout)
	}
	job := &worker.Job{
		ID:         req.CustomID,
		Module:     req.Module,
		Timeout:    timeout,
		AllTactics: req.Flags.AllTactics,
		Infotree:   req.Flags.Infotree,
	}

	switch kind {
	case worker.KindCheck:
		if strings.TrimSpace(req.Code) == "" {
			return nil, fmt.Errorf("code is required")
		}
		if req.Module != "" {
			return nil, fmt.Errorf("module is only valid for tree requests")
		}
	case worker.KindTree:
		if strings.TrimSpace(req.Code) == "" && req.Module == "" {
			return nil, fmt.Errorf("code or module is required")
		}
		if req.Module != "" && !worker.ValidModuleName(req.Module) {
			return nil, fmt.Errorf("invalid module name %q", req.Module)
		}
	}

	var headerSrc string
	switch {
	case req.Header != nil:
		headerSrc, job.Code = *req.Header, req.Code
	case req.Code != "":
		headerSrc, job.Code = SplitHeader(req.Code)
	}
	return &prepared{header: worker.NewHeader(kind, headerSrc), job: job, debug: req.Flags.Debug}, nil
}

func (d *Dispatcher) handleOne(ctx context.Context, req Request) Response {
	start := time.Now()
	logger := d.logger.With("custom_id", req.CustomID)

	ctx, span := d.tracer.Start(ctx, "dispatch.request", trace.WithAttributes(
		attribute.String("leangate.custom_id", req.CustomID),
		attribute.String("leangate.kind", req.Kind),
	))
	defer span.End()

	resp := Response{CustomID: req.CustomID}
	kind := string(worker.KindCheck)

	p, err := d.prepare(req)
	if err != nil {
		resp.Error = &ErrorInfo{Code: CodeInvalidRequest, Message: err.Error()}
	} else {
		kind = string(p.header.Kind)
		span.SetAttributes(attribute.String("leangate.header", p.header.Key()))
		d.execute(ctx, p, &resp, logger)
	}
	resp.Time = time.Since(start).Seconds()

	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
		span.SetStatus(codes.Error, code)
		logger.Warn("request failed", "code", code, "error", resp.Error.Message, "attempts", resp.Attempts)
	} else {
		logger.Debug("request done", "time", resp.Time, "attempts", resp.Attempts)
	}
	d.cfg.Metrics.RequestDone(ctx, kind, code, time.Since(start))

	if d.cfg.Recorder != nil {
		if err := d.cfg.Recorder.Record(context.WithoutCancel(ctx), req, resp); err != nil {
			logger.Warn("failed to record result", "error", err)
		}
	}
	if d.cfg.Publisher != nil {
		d.cfg.Publisher.Publish(EventRequestDone, map[string]any{
			"custom_id": req.CustomID, "kind": kind, "code": code,
			"time": resp.Time, "attempts": resp.Attempts,
		})
	}
	return resp
}

// execute runs the acquire/execute/release cycle, retrying one crash on a
// fresh worker.
func (d *Dispatcher) execute(ctx context.Context, p *prepared, resp *Response, logger *slog.Logger) {
	var (
		result   *worker.Result
		lastUsed worker.Worker
	)

	policy := retry.Policy{
		MaxAttempts: 2,
		Retryable: func(err error) bool {
			if !errors.Is(err, worker.ErrWorkerCrashed) {
				return false
			}
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < p.job.Timeout {
				logger.Warn("not retrying crash: deadline leaves no room for another attempt",
					"remaining", time.Until(dl).Round(time.Millisecond), "timeout", p.job.Timeout)
				return false
			}
			return true
		},
		OnRetry: func(attempt int, err error, _ time.Duration) {
			logger.Warn("worker crashed, retrying on a fresh worker", "attempt", attempt, "error", err)
		},
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var opts []pool.AcquireOption
		if attempt > 1 {
			opts = append(opts, pool.WithFresh())
		}
		w, err := d.pool.Acquire(ctx, p.header, opts...)
		if err != nil {
			return err
		}
		lastUsed = w

		res, err := w.Execute(ctx, p.job)
		d.pool.Release(w, outcomeFor(err))
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	resp.Attempts = attempts

	if err != nil {
		resp.Error = d.classify(p, err, attempts)
	} else {
		resp.Result = result.Payload
		resp.Diagnostics = result.Diagnostics
		if result.Error != "" {
			resp.Result = nil
			resp.Error = &ErrorInfo{Code: CodeRequestFailed, Message: result.Error}
		}
	}
	if p.debug {
		resp.Debug = &Debug{HeaderKey: p.header.Key()}
	}
	if lastUsed != nil && p.debug {
		resp.Debug = &Debug{WorkerID: lastUsed.ID(), HeaderKey: p.header.Key(), Uses: lastUsed.Uses()}
	}
}

func outcomeFor(err error) pool.Outcome {
	switch {
	case err == nil:
		return pool.OutcomeOK
	case errors.Is(err, worker.ErrExecutionTimeout):
		return pool.OutcomeTimeout
	case errors.Is(err, worker.ErrWorkerCrashed):
		return pool.OutcomeCrashed
	default:
		return pool.OutcomeRetire
	}
}

func (d *Dispatcher) classify(p *prepared, err error, attempts int) *ErrorInfo {
	code := CodeInternal
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		code = CodePoolExhausted
	case errors.Is(err, pool.ErrPoolClosed):
		code = CodePoolClosed
	case errors.Is(err, worker.ErrInitialization):
		code = CodeInitialization
	case errors.Is(err, worker.ErrExecutionTimeout):
		code = CodeExecutionTimeout
	case errors.Is(err, worker.ErrWorkerCrashed) && attempts > 1:
		code = CodeWorkerCrashedRepeatedly
		d.pool.RecordRepeatedCrash(p.header)
	case errors.Is(err, worker.ErrMemoryLimitExceeded):
		code = CodeMemoryLimitExceeded
	case errors.Is(err, worker.ErrWorkerCrashed):
		code = CodeWorkerCrashed
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeExecutionTimeout
	}
	return &ErrorInfo{Code: code, Message: err.Error()}
}
