package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/mattjoyce/leangate/internal/worker"
)

// stubWorker runs exec for every job.
type stubWorker struct {
	id     string
	header worker.Header
	exec   func(ctx context.Context, job *worker.Job) (*worker.Result, error)

	uses       atomic.Int64
	terminated atomic.Bool
}

func newStub(id string, h worker.Header, exec func(ctx context.Context, job *worker.Job) (*worker.Result, error)) *stubWorker {
	return &stubWorker{id: id, header: h, exec: exec}
}

func (w *stubWorker) ID() string                    { return w.id }
func (w *stubWorker) Header() worker.Header         { return w.header }
func (w *stubWorker) State() worker.State           { return worker.StateReady }
func (w *stubWorker) Uses() int                     { return int(w.uses.Load()) }
func (w *stubWorker) Alive() bool                   { return !w.terminated.Load() }
func (w *stubWorker) ShouldRecycle() (bool, string) { return false, "" }
func (w *stubWorker) LastError() error              { return nil }
func (w *stubWorker) Stderr() string                { return "" }

func (w *stubWorker) Terminate() error {
	w.terminated.Store(true)
	return nil
}

func (w *stubWorker) Execute(ctx context.Context, job *worker.Job) (*worker.Result, error) {
	res, err := w.exec(ctx, job)
	if err == nil {
		w.uses.Add(1)
	}
	return res, err
}

// echo returns the job's code as the payload.
func echo(_ context.Context, job *worker.Job) (*worker.Result, error) {
	payload, err := json.Marshal(map[string]string{"code": job.Code})
	if err != nil {
		return nil, err
	}
	return &worker.Result{Payload: payload}, nil
}

type eventLog struct {
	events atomic.Int64
}

func (e *eventLog) Publish(string, any) { e.events.Add(1) }
