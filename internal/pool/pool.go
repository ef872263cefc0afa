package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/leangate/internal/log"
	"github.com/mattjoyce/leangate/internal/worker"
)

var (
	// ErrPoolExhausted means no worker became available before the acquire deadline.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("pool closed")
)

// Event types published on the configured Publisher.
const (
	EventWorkerSpawned  = "worker.spawned"
	EventSpawnFailed    = "worker.spawn_failed"
	EventWorkerRetired  = "worker.retired"
	EventPoolExhausted  = "pool.exhausted"
	EventPrewarmDone    = "pool.prewarmed"
	EventPoolShutdown   = "pool.shutdown"
	EventRepeatedCrash  = "worker.crashed_repeatedly"
	defaultMaxWait      = 60 * time.Second
	eventHeaderMaxChars = 60
)

type idleWorker struct {
	w     worker.Worker
	since time.Time
}

// waiter is a queued Acquire. A value is sitting in ch exactly when notified
// is set (nil: re-evaluate) or when the waiter has been handed a worker and
// removed from the queue.
type waiter struct {
	seq      uint64
	fresh    bool
	notified bool
	ch       chan worker.Worker
}

type headerState struct {
	header worker.Header
	key    string

	idle    []idleWorker // oldest first
	waiters []*waiter    // ordered by seq

	live     int // spawning, idle or busy
	busy     int
	spawning int

	seen       bool // a first spawn has completed
	firstSpawn bool // first spawn in progress; others queue
}

// Pool is a bounded set of header-bound workers.
type Pool struct {
	spawner worker.Spawner
	cfg     Config
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	closed      bool
	total       int // live plus spawning, never above cfg.MaxWorkers
	busy        int
	spawning    int
	seq         uint64
	headers     map[string]*headerState
	inUse       map[string]worker.Worker // busy workers by ID
	crashes     *crashTally
	stats       Stats
	terminating int
	drained     chan struct{} // closed once nothing is busy, spawning or terminating
}

// New creates a pool. Nothing is spawned until Prewarm or the first Acquire.
func New(spawner worker.Spawner, cfg Config) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("pool")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		spawner: spawner,
		cfg:     cfg,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		headers: make(map[string]*headerState),
		inUse:   make(map[string]worker.Worker),
		crashes: newCrashTally(maxCrashTally),
	}
}

// Capacity is the global worker cap.
func (p *Pool) Capacity() int { return p.cfg.MaxWorkers }

// Acquire returns a Ready worker bound to h. It waits at most MaxWait (or
// until ctx's deadline, if earlier) and then fails with ErrPoolExhausted. A
// cancelled ctx returns ctx.Err().
func (p *Pool) Acquire(ctx context.Context, h worker.Header, opts ...AcquireOption) (worker.Worker, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxWait)
	defer cancel()

	key := h.Key()
	var wt *waiter
	for {
		p.mu.Lock()
		if p.closed {
			if hs := p.headers[key]; hs != nil && p.removeWaiterLocked(hs, wt) {
				p.pruneLocked(hs)
			}
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		hs := p.headerLocked(h, key)
		if wt != nil {
			wt.notified = false
		}

		if !p.queuedAheadLocked(hs, wt, true) {
			if w := p.takeIdleLocked(hs, o.fresh); w != nil {
				p.removeWaiterLocked(hs, wt)
				p.markBusyLocked(hs, w)
				p.wakeHeadLocked(hs)
				p.mu.Unlock()
				p.cfg.Metrics.AcquireWait(ctx, string(h.Kind), time.Since(start))
				return w, nil
			}
		}

		if !hs.firstSpawn && !p.queuedAheadLocked(hs, wt, false) {
			if ok, victim := p.reserveLocked(hs, o.fresh); ok {
				first := !hs.seen
				if first {
					hs.firstSpawn = true
				}
				p.removeWaiterLocked(hs, wt)
				if !first {
					p.wakeHeadLocked(hs)
				}
				p.mu.Unlock()
				if victim != nil {
					p.logger.Info("evicting idle worker to free capacity",
						"victim_header", victim.Header().Key(), "for_header", key)
				}
				return p.spawnForCaller(ctx, hs, first, start)
			}
		}

		if wt == nil {
			p.seq++
			wt = &waiter{seq: p.seq, fresh: o.fresh, ch: make(chan worker.Worker, 1)}
			hs.waiters = append(hs.waiters, wt)
		}
		p.mu.Unlock()

		select {
		case w := <-wt.ch:
			if w != nil {
				p.cfg.Metrics.AcquireWait(ctx, string(h.Kind), time.Since(start))
				return w, nil
			}
		case <-waitCtx.Done():
			return p.abandon(ctx, hs, wt, start)
		}
	}
}

// abandon takes a timed-out or cancelled waiter off the queue.
func (p *Pool) abandon(ctx context.Context, hs *headerState, wt *waiter, start time.Time) (worker.Worker, error) {
	p.mu.Lock()
	queued := p.removeWaiterLocked(hs, wt)
	switch {
	case queued && wt.notified:
		// The wake we were given is passed on.
		p.wakeHeadsLocked()
	case queued:
		p.wakeHeadLocked(hs)
	}
	p.pruneLocked(hs)
	p.mu.Unlock()

	if !queued {
		// A worker was handed over just as the deadline hit.
		if w := <-wt.ch; w != nil {
			p.Release(w, OutcomeOK)
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}

	waited := time.Since(start)
	p.mu.Lock()
	p.stats.Exhausted++
	p.mu.Unlock()
	p.cfg.Metrics.PoolExhausted(ctx, string(hs.header.Kind))
	p.publish(EventPoolExhausted, map[string]any{
		"header": hs.key, "waited_ms": waited.Milliseconds(),
	})
	return nil, fmt.Errorf("%w: no %s worker within %s", ErrPoolExhausted, hs.header.Kind, waited.Round(time.Millisecond))
}

// spawnForCaller runs a spawn whose slot is already reserved and hands the
// result to the caller.
func (p *Pool) spawnForCaller(ctx context.Context, hs *headerState, first bool, start time.Time) (worker.Worker, error) {
	w, err := p.spawn(ctx, hs.header)

	p.mu.Lock()
	p.spawning--
	hs.spawning--
	if first {
		hs.firstSpawn = false
		p.wakeAllLocked(hs)
	}
	if err != nil {
		closed := p.closed
		p.spawnFailedLocked(hs)
		p.signalDrainedLocked()
		p.mu.Unlock()
		if closed {
			return nil, ErrPoolClosed
		}
		p.spawnFailed(ctx, hs, err)
		return nil, fmt.Errorf("spawn worker for %s: %w", hs.header.Summary(), err)
	}
	hs.seen = true
	p.stats.Spawned++
	if p.closed {
		p.retireLocked(hs, w, "pool closed", false)
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.markBusyLocked(hs, w)
	p.mu.Unlock()
	p.spawned(ctx, w)

	if err := ctx.Err(); err != nil {
		p.Release(w, OutcomeOK)
		return nil, err
	}
	p.cfg.Metrics.AcquireWait(ctx, string(hs.header.Kind), time.Since(start))
	return w, nil
}

// spawnDetached spawns into a reserved slot and gives the worker to the
// earliest waiter for its header, or idles it. With first set it resolves
// the header's first spawn, releasing callers queued behind it.
func (p *Pool) spawnDetached(ctx context.Context, hs *headerState, first bool) error {
	w, err := p.spawn(ctx, hs.header)

	p.mu.Lock()
	p.spawning--
	hs.spawning--
	if first {
		hs.firstSpawn = false
	}
	if err != nil {
		closed := p.closed
		if first {
			p.wakeAllLocked(hs)
		}
		p.spawnFailedLocked(hs)
		p.signalDrainedLocked()
		p.mu.Unlock()
		if closed {
			return ErrPoolClosed
		}
		p.spawnFailed(ctx, hs, err)
		return err
	}
	hs.seen = true
	p.stats.Spawned++
	if p.closed {
		p.retireLocked(hs, w, "pool closed", false)
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.adoptLocked(hs, w, true)
	if first {
		p.wakeAllLocked(hs)
	}
	p.mu.Unlock()
	p.spawned(ctx, w)
	return nil
}

// spawn runs the spawner under ctx and the pool's lifetime, so Shutdown
// aborts spawns still loading their header.
func (p *Pool) spawn(ctx context.Context, h worker.Header) (worker.Worker, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer stop()
	return p.spawner.Spawn(sctx, h)
}

// Release returns a worker after a request. Anything but OutcomeOK retires
// it, as does a worker that is dead or due for recycling.
func (p *Pool) Release(w worker.Worker, outcome Outcome) {
	reason := ""
	if outcome != OutcomeOK {
		reason = outcome.String()
	} else if !w.Alive() {
		reason = "dead"
	} else if recycle, why := w.ShouldRecycle(); recycle {
		reason = why
	}

	key := w.Header().Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.signalDrainedLocked()

	hs := p.headers[key]
	if _, ok := p.inUse[w.ID()]; !ok || hs == nil {
		// Not ours; make sure it does not leak.
		p.terminateAsyncLocked(w, "unknown worker")
		return
	}
	delete(p.inUse, w.ID())
	p.busy--
	hs.busy--

	if reason == "" && !p.closed {
		p.adoptLocked(hs, w, false)
		return
	}
	if reason == "" {
		reason = "pool closed"
	}
	p.retireLocked(hs, w, reason, outcome == OutcomeCrashed)

	if !p.closed && len(hs.waiters) > 0 && p.total < p.cfg.MaxWorkers {
		p.total++
		p.spawning++
		hs.live++
		hs.spawning++
		go func() {
			if err := p.spawnDetached(p.baseCtx, hs, false); err != nil {
				p.logger.Warn("replacement spawn failed", "header", hs.key, "error", err)
			}
		}()
		return
	}
	p.wakeHeadsLocked()
	p.pruneLocked(hs)
}

// RecordRepeatedCrash bumps and returns the repeated-crash count for h.
func (p *Pool) RecordRepeatedCrash(h worker.Header) int64 {
	key := h.Key()
	p.mu.Lock()
	c := p.crashes.record(h)
	c.repeated++
	n := c.repeated
	p.mu.Unlock()

	p.logger.Error("header crashed repeatedly", "header", key, "summary", h.Summary(), "count", n)
	p.publish(EventRepeatedCrash, map[string]any{"header": key, "count": n})
	return n
}

// Prewarm spawns the configured workers concurrently and returns once every
// spawn has resolved. Failures are logged and skipped; it only returns ctx's
// error. Acquires for a header still prewarming queue behind its first spawn.
func (p *Pool) Prewarm(ctx context.Context) error {
	var g errgroup.Group
	var ready, failed atomic.Int64

	for _, spec := range p.cfg.Prewarm {
		for i := 0; i < spec.Count; i++ {
			g.Go(func() error {
				if err := p.prewarmOne(ctx, spec.Header); err != nil {
					failed.Add(1)
					p.logger.Warn("prewarm spawn failed", "header", spec.Header.Summary(), "error", err)
					return nil
				}
				ready.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()

	p.logger.Info("prewarm complete", "ready", ready.Load(), "failed", failed.Load())
	p.publish(EventPrewarmDone, map[string]any{"ready": ready.Load(), "failed": failed.Load()})
	return ctx.Err()
}

func (p *Pool) prewarmOne(ctx context.Context, h worker.Header) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	hs := p.headerLocked(h, h.Key())
	if p.total >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return fmt.Errorf("capacity %d reached", p.cfg.MaxWorkers)
	}
	first := !hs.seen && !hs.firstSpawn
	if first {
		hs.firstSpawn = true
	}
	p.total++
	p.spawning++
	hs.live++
	hs.spawning++
	p.mu.Unlock()

	return p.spawnDetached(ctx, hs, first)
}

// Shutdown stops accepting acquires, fails queued callers, aborts spawns in
// flight and terminates idle workers. Busy workers are terminated as they
// are released. It returns once no worker is busy, spawning or terminating.
// If ctx ends first, workers still busy are terminated before it returns
// ctx.Err().
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cancel()
		for _, hs := range p.headers {
			idle := hs.idle
			hs.idle = nil
			for _, iw := range idle {
				p.retireLocked(hs, iw.w, "shutdown", false)
			}
			p.wakeAllLocked(hs)
			p.pruneLocked(hs)
		}
		p.logger.Info("pool shutting down",
			"busy", p.busy, "spawning", p.spawning, "terminating", p.terminating)
	}
	drained := p.drainedLocked()
	p.mu.Unlock()
	p.publish(EventPoolShutdown, nil)

	if drained == nil {
		return nil
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}
	p.terminateBusy()
	return ctx.Err()
}

// terminateBusy stops every worker still lent out. Their holders see a dead
// worker and Release retires it.
func (p *Pool) terminateBusy() {
	p.mu.Lock()
	busy := make([]worker.Worker, 0, len(p.inUse))
	for _, w := range p.inUse {
		busy = append(busy, w)
	}
	p.mu.Unlock()
	if len(busy) == 0 {
		return
	}

	p.logger.Warn("shutdown deadline reached, terminating busy workers", "count", len(busy))
	var wg sync.WaitGroup
	for _, w := range busy {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Terminate(); err != nil {
				p.logger.Warn("worker termination failed", "worker_id", w.ID(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// --- bookkeeping, all called with p.mu held ---

func (p *Pool) headerLocked(h worker.Header, key string) *headerState {
	hs := p.headers[key]
	if hs == nil {
		hs = &headerState{header: h, key: key}
		p.headers[key] = hs
	}
	return hs
}

// queuedAheadLocked reports whether an earlier waiter for hs should be
// served first. For idle reuse only non-fresh waiters count, since fresh
// ones cannot take a used worker.
func (p *Pool) queuedAheadLocked(hs *headerState, wt *waiter, forIdle bool) bool {
	for _, other := range hs.waiters {
		if other == wt {
			return false
		}
		if forIdle && other.fresh {
			continue
		}
		return true
	}
	return false
}

// takeIdleLocked pops the most recently idled usable worker. Dead idle
// workers are retired on the way. A fresh request only accepts a worker
// that has not served anything yet.
func (p *Pool) takeIdleLocked(hs *headerState, fresh bool) worker.Worker {
	for i := len(hs.idle) - 1; i >= 0; i-- {
		w := hs.idle[i].w
		if !w.Alive() {
			hs.idle = append(hs.idle[:i], hs.idle[i+1:]...)
			p.retireLocked(hs, w, "dead", false)
			p.wakeHeadsLocked()
			continue
		}
		if fresh && w.Uses() > 0 {
			continue
		}
		hs.idle = append(hs.idle[:i], hs.idle[i+1:]...)
		return w
	}
	return nil
}

// reserveLocked claims a slot for a spawn bound to hs. At capacity it
// evicts the least recently used idle worker of another header (of any
// header for fresh requests) and returns it as victim.
func (p *Pool) reserveLocked(hs *headerState, fresh bool) (bool, worker.Worker) {
	var victim worker.Worker
	if p.total >= p.cfg.MaxWorkers {
		vs, idx := p.lruIdleLocked(hs.key, fresh)
		if vs == nil {
			return false, nil
		}
		victim = vs.idle[idx].w
		vs.idle = append(vs.idle[:idx], vs.idle[idx+1:]...)
		p.stats.Evicted++
		p.retireLocked(vs, victim, "evicted", false)
	}
	p.total++
	p.spawning++
	hs.live++
	hs.spawning++
	return true, victim
}

func (p *Pool) lruIdleLocked(exclude string, allowSame bool) (*headerState, int) {
	var best *headerState
	bestIdx := -1
	var bestSince time.Time
	for key, hs := range p.headers {
		if key == exclude && !allowSame {
			continue
		}
		for i, iw := range hs.idle {
			if best == nil || iw.since.Before(bestSince) {
				best, bestIdx, bestSince = hs, i, iw.since
			}
		}
	}
	return best, bestIdx
}

func (p *Pool) markBusyLocked(hs *headerState, w worker.Worker) {
	p.busy++
	hs.busy++
	p.inUse[w.ID()] = w
}

// adoptLocked hands a Ready worker to the earliest eligible waiter for its
// header or idles it. Unused workers may go to fresh waiters.
func (p *Pool) adoptLocked(hs *headerState, w worker.Worker, unused bool) {
	for i, wt := range hs.waiters {
		if wt.notified || (wt.fresh && !unused) {
			continue
		}
		hs.waiters = append(hs.waiters[:i], hs.waiters[i+1:]...)
		p.markBusyLocked(hs, w)
		wt.ch <- w
		return
	}
	hs.idle = append(hs.idle, idleWorker{w: w, since: time.Now()})
	p.wakeHeadsLocked()
}

// retireLocked accounts for a worker leaving the pool and terminates it in
// the background.
func (p *Pool) retireLocked(hs *headerState, w worker.Worker, reason string, crashed bool) {
	p.total--
	hs.live--
	p.stats.Retired++
	if crashed {
		p.stats.Crashed++
		p.crashes.record(hs.header).crashes++
		p.cfg.Metrics.WorkerCrashed(p.baseCtx, string(hs.header.Kind))
	}
	p.cfg.Metrics.WorkerRetired(p.baseCtx, string(hs.header.Kind), reason)
	p.publish(EventWorkerRetired, map[string]any{
		"worker_id": w.ID(), "header": hs.key, "reason": reason, "uses": w.Uses(),
	})
	p.terminateAsyncLocked(w, reason)
}

func (p *Pool) spawnFailedLocked(hs *headerState) {
	p.total--
	hs.live--
	p.stats.SpawnFailures++
	p.wakeHeadsLocked()
	p.pruneLocked(hs)
}

// pruneLocked forgets a header with nothing bound to it. Callers must not
// keep using hs afterwards.
func (p *Pool) pruneLocked(hs *headerState) {
	if hs.live == 0 && len(hs.waiters) == 0 && !hs.firstSpawn {
		delete(p.headers, hs.key)
	}
}

func (p *Pool) terminateAsyncLocked(w worker.Worker, reason string) {
	p.terminating++
	go func() {
		if err := w.Terminate(); err != nil {
			p.logger.Warn("worker termination failed", "worker_id", w.ID(), "error", err)
		} else {
			p.logger.Debug("worker retired", "worker_id", w.ID(), "reason", reason, "uses", w.Uses())
		}
		p.mu.Lock()
		p.terminating--
		p.signalDrainedLocked()
		p.mu.Unlock()
	}()
}

func (p *Pool) quiescentLocked() bool {
	return p.busy == 0 && p.spawning == 0 && p.terminating == 0
}

// drainedLocked returns a channel closed once the pool is quiescent, or nil
// if it already is.
func (p *Pool) drainedLocked() chan struct{} {
	if p.quiescentLocked() {
		return nil
	}
	if p.drained == nil {
		p.drained = make(chan struct{})
	}
	return p.drained
}

func (p *Pool) signalDrainedLocked() {
	if p.drained != nil && p.quiescentLocked() {
		close(p.drained)
		p.drained = nil
	}
}

// removeWaiterLocked drops wt from hs's queue and reports whether it was
// still queued.
func (p *Pool) removeWaiterLocked(hs *headerState, wt *waiter) bool {
	if wt == nil {
		return false
	}
	for i, other := range hs.waiters {
		if other == wt {
			hs.waiters = append(hs.waiters[:i], hs.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) wakeHeadLocked(hs *headerState) {
	for _, wt := range hs.waiters {
		if !wt.notified {
			wt.notified = true
			wt.ch <- nil
			return
		}
	}
}

func (p *Pool) wakeAllLocked(hs *headerState) {
	for _, wt := range hs.waiters {
		if !wt.notified {
			wt.notified = true
			wt.ch <- nil
		}
	}
}

// wakeHeadsLocked lets the head of every header's queue re-evaluate after
// capacity or an idle worker freed up.
func (p *Pool) wakeHeadsLocked() {
	for _, hs := range p.headers {
		p.wakeHeadLocked(hs)
	}
}

// --- reporting ---

func (p *Pool) spawned(ctx context.Context, w worker.Worker) {
	h := w.Header()
	p.logger.Info("worker ready", "worker_id", w.ID(), "header", h.Key(), "summary", h.Summary())
	p.cfg.Metrics.WorkerSpawned(ctx, string(h.Kind))
	p.publish(EventWorkerSpawned, map[string]any{
		"worker_id": w.ID(), "header": h.Key(), "summary": truncate(h.Summary(), eventHeaderMaxChars),
	})
}

func (p *Pool) spawnFailed(ctx context.Context, hs *headerState, err error) {
	p.logger.Warn("worker spawn failed", "header", hs.key, "summary", hs.header.Summary(), "error", err)
	p.cfg.Metrics.SpawnFailed(ctx, string(hs.header.Kind))
	p.publish(EventSpawnFailed, map[string]any{"header": hs.key, "error": err.Error()})
}

func (p *Pool) publish(eventType string, data any) {
	if p.cfg.Publisher != nil {
		p.cfg.Publisher.Publish(eventType, data)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Snapshot reports current occupancy and lifetime counters.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Capacity: p.cfg.MaxWorkers,
		Total:    p.total,
		Busy:     p.busy,
		Spawning: p.spawning,
		Closed:   p.closed,
		Stats:    p.stats,
		Headers:  make([]HeaderStatus, 0, len(p.headers)),
	}
	for _, hs := range p.headers {
		s.Idle += len(hs.idle)
		s.Waiting += len(hs.waiters)
		c := p.crashes.get(hs.key)
		s.Headers = append(s.Headers, HeaderStatus{
			Key:             hs.key,
			Kind:            string(hs.header.Kind),
			Summary:         hs.header.Summary(),
			Workers:         hs.live,
			Busy:            hs.busy,
			Idle:            len(hs.idle),
			Spawning:        hs.spawning,
			Waiting:         len(hs.waiters),
			Crashes:         c.crashes,
			RepeatedCrashes: c.repeated,
		})
	}
	// Headers with no workers left still report their crash history.
	for key, c := range p.crashes.entries {
		if _, ok := p.headers[key]; ok {
			continue
		}
		s.Headers = append(s.Headers, HeaderStatus{
			Key:             key,
			Kind:            string(c.header.Kind),
			Summary:         c.header.Summary(),
			Crashes:         c.crashes,
			RepeatedCrashes: c.repeated,
		})
	}
	sort.Slice(s.Headers, func(i, j int) bool { return s.Headers[i].Key < s.Headers[j].Key })
	return s
}
