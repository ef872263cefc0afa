package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/leangate/internal/worker"
)

type fakeWorker struct {
	id      string
	header  worker.Header
	maxUses int

	uses       atomic.Int64
	dead       atomic.Bool
	terminated atomic.Bool
}

func (w *fakeWorker) ID() string            { return w.id }
func (w *fakeWorker) Header() worker.Header { return w.header }
func (w *fakeWorker) Uses() int             { return int(w.uses.Load()) }
func (w *fakeWorker) LastError() error      { return nil }
func (w *fakeWorker) Stderr() string        { return "" }

func (w *fakeWorker) State() worker.State {
	switch {
	case w.terminated.Load(), w.dead.Load():
		return worker.StateDead
	default:
		return worker.StateReady
	}
}

func (w *fakeWorker) Alive() bool { return !w.dead.Load() && !w.terminated.Load() }

func (w *fakeWorker) Execute(context.Context, *worker.Job) (*worker.Result, error) {
	w.uses.Add(1)
	return &worker.Result{Payload: []byte(`{}`)}, nil
}

func (w *fakeWorker) ShouldRecycle() (bool, string) {
	if w.maxUses > 0 && w.Uses() >= w.maxUses {
		return true, "max uses reached"
	}
	return false, ""
}

func (w *fakeWorker) Terminate() error {
	w.terminated.Store(true)
	return nil
}

// fakeSpawner hands out fakeWorkers after an optional delay and records
// every spawn window.
type fakeSpawner struct {
	delay   time.Duration
	maxUses int
	fail    func(h worker.Header) error

	mu       sync.Mutex
	workers  []*fakeWorker
	windows  []spawnWindow
	inFlight int
	maxPar   int
	nextID   int
}

type spawnWindow struct {
	key        string
	start, end time.Time
}

func (s *fakeSpawner) Spawn(ctx context.Context, h worker.Header) (worker.Worker, error) {
	start := time.Now()
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxPar {
		s.maxPar = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.windows = append(s.windows, spawnWindow{key: h.Key(), start: start, end: time.Now()})
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", worker.ErrInitialization, ctx.Err())
		}
	}
	if s.fail != nil {
		if err := s.fail(h); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	w := &fakeWorker{id: fmt.Sprintf("w%d", s.nextID), header: h, maxUses: s.maxUses}
	s.workers = append(s.workers, w)
	return w, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *fakeSpawner) spawnWindows() []spawnWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnWindow(nil), s.windows...)
}

var _ worker.Spawner = (*fakeSpawner)(nil)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(eventType string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
}

func (r *recordingPublisher) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}
