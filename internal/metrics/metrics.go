// Package metrics defines the OpenTelemetry instruments recorded by the pool
// and the dispatcher. Instruments come from the global meter provider unless
// one is passed in; with no SDK installed they are no-ops.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope.
const MeterName = "github.com/mattjoyce/leangate"

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	spawned     metric.Int64Counter
	spawnFailed metric.Int64Counter
	retired     metric.Int64Counter
	crashed     metric.Int64Counter
	exhausted   metric.Int64Counter
	acquireWait metric.Float64Histogram
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates the instruments on meter. A nil meter uses the global provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	m := &Metrics{}
	var err error

	if m.spawned, err = meter.Int64Counter("leangate.worker.spawned",
		metric.WithDescription("Workers that reached Ready"), metric.WithUnit("{worker}")); err != nil {
		return nil, fmt.Errorf("create spawned counter: %w", err)
	}
	if m.spawnFailed, err = meter.Int64Counter("leangate.worker.spawn_failed",
		metric.WithDescription("Worker spawns that failed initialization"), metric.WithUnit("{worker}")); err != nil {
		return nil, fmt.Errorf("create spawn_failed counter: %w", err)
	}
	if m.retired, err = meter.Int64Counter("leangate.worker.retired",
		metric.WithDescription("Workers retired, by reason"), metric.WithUnit("{worker}")); err != nil {
		return nil, fmt.Errorf("create retired counter: %w", err)
	}
	if m.crashed, err = meter.Int64Counter("leangate.worker.crashed",
		metric.WithDescription("Workers that crashed while executing"), metric.WithUnit("{worker}")); err != nil {
		return nil, fmt.Errorf("create crashed counter: %w", err)
	}
	if m.exhausted, err = meter.Int64Counter("leangate.pool.exhausted",
		metric.WithDescription("Acquires that timed out waiting for a worker"), metric.WithUnit("{acquire}")); err != nil {
		return nil, fmt.Errorf("create exhausted counter: %w", err)
	}
	if m.acquireWait, err = meter.Float64Histogram("leangate.pool.acquire_wait",
		metric.WithDescription("Time from Acquire to holding a worker"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create acquire_wait histogram: %w", err)
	}
	if m.requests, err = meter.Int64Counter("leangate.requests",
		metric.WithDescription("Requests handled, by kind and outcome"), metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("leangate.request.duration",
		metric.WithDescription("End-to-end request duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return m, nil
}

func kindAttr(kind string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

func (m *Metrics) WorkerSpawned(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.spawned.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) SpawnFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.spawnFailed.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) WorkerRetired(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.retired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("reason", reason)))
}

func (m *Metrics) WorkerCrashed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.crashed.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) PoolExhausted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.exhausted.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) AcquireWait(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.Record(ctx, d.Seconds(), kindAttr(kind))
}

// RequestDone records one dispatched request. code is empty on success.
func (m *Metrics) RequestDone(ctx context.Context, kind, code string, d time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", code))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}
