package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/leangate/internal/log"
	"github.com/mattjoyce/leangate/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

var (
	mathlib = worker.NewHeader(worker.KindCheck, "import Mathlib")
	leanHdr = worker.NewHeader(worker.KindCheck, "import Lean")
	treeHdr = worker.NewHeader(worker.KindTree, "")
)

func newTestPool(t *testing.T, sp *fakeSpawner, cfg Config) *Pool {
	t.Helper()
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Second
	}
	cfg.Logger = log.Discard()
	p := New(sp, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestAcquire_ReusesIdleWorker(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 2})
	ctx := context.Background()

	w1, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Snapshot().Busy)
	p.Release(w1, OutcomeOK)

	w2, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	assert.Equal(t, w1.ID(), w2.ID())
	assert.Equal(t, 1, sp.spawnCount())
	p.Release(w2, OutcomeOK)

	snap := p.Snapshot()
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.Idle)
	assert.Equal(t, 0, snap.Busy)
	require.Len(t, snap.Headers, 1)
	assert.Equal(t, mathlib.Key(), snap.Headers[0].Key)
}

func TestAcquire_DistinctHeadersGetDistinctWorkers(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 3})
	ctx := context.Background()

	a, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, leanHdr)
	require.NoError(t, err)
	c, err := p.Acquire(ctx, treeHdr)
	require.NoError(t, err)

	assert.Equal(t, mathlib, a.Header())
	assert.Equal(t, leanHdr, b.Header())
	assert.Equal(t, treeHdr, c.Header())
	assert.Equal(t, 3, p.Snapshot().Busy)
}

func TestAcquire_BusyNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	sp := &fakeSpawner{delay: 5 * time.Millisecond, maxUses: 4}
	p := newTestPool(t, sp, Config{MaxWorkers: capacity, MaxWait: 5 * time.Second})

	headers := []worker.Header{mathlib, leanHdr, treeHdr}
	var held, maxHeld atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := p.Acquire(context.Background(), headers[i%len(headers)])
			if !assert.NoError(t, err) {
				return
			}
			n := held.Add(1)
			for {
				m := maxHeld.Load()
				if n <= m || maxHeld.CompareAndSwap(m, n) {
					break
				}
			}
			assert.LessOrEqual(t, p.Snapshot().Total, capacity)
			_, _ = w.Execute(context.Background(), &worker.Job{})
			time.Sleep(2 * time.Millisecond)
			held.Add(-1)
			p.Release(w, OutcomeOK)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHeld.Load(), int64(capacity))
	snap := p.Snapshot()
	assert.LessOrEqual(t, snap.Total, capacity)
	assert.Equal(t, 0, snap.Busy)
	assert.Equal(t, 0, snap.Waiting)
}

func TestRelease_RetiresAfterMaxUses(t *testing.T) {
	sp := &fakeSpawner{maxUses: 2}
	p := newTestPool(t, sp, Config{MaxWorkers: 1})
	ctx := context.Background()

	var first worker.Worker
	for i := 0; i < 2; i++ {
		w, err := p.Acquire(ctx, mathlib)
		require.NoError(t, err)
		if first == nil {
			first = w
		}
		assert.Equal(t, first.ID(), w.ID())
		_, _ = w.Execute(ctx, &worker.Job{})
		p.Release(w, OutcomeOK)
	}

	waitFor(t, func() bool { return first.(*fakeWorker).terminated.Load() })
	assert.Equal(t, int64(1), p.Snapshot().Stats.Retired)

	w, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), w.ID())
	assert.Equal(t, 0, w.Uses())
}

func TestRelease_NonOKOutcomesRetire(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeTimeout, OutcomeCrashed, OutcomeRetire} {
		t.Run(outcome.String(), func(t *testing.T) {
			sp := &fakeSpawner{}
			p := newTestPool(t, sp, Config{MaxWorkers: 1})

			w, err := p.Acquire(context.Background(), mathlib)
			require.NoError(t, err)
			p.Release(w, outcome)

			waitFor(t, func() bool { return w.(*fakeWorker).terminated.Load() })
			snap := p.Snapshot()
			assert.Equal(t, 0, snap.Total)
			assert.Equal(t, int64(1), snap.Stats.Retired)
			if outcome == OutcomeCrashed {
				assert.Equal(t, int64(1), snap.Stats.Crashed)
			}
		})
	}
}

func TestRelease_DeadWorkerIsRetired(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1})

	w, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	w.(*fakeWorker).dead.Store(true)
	p.Release(w, OutcomeOK)

	assert.Equal(t, 0, p.Snapshot().Total)
}

func TestAcquire_SkipsWorkerThatDiedWhileIdle(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1})
	ctx := context.Background()

	w1, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	p.Release(w1, OutcomeOK)
	w1.(*fakeWorker).dead.Store(true)

	w2, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	assert.NotEqual(t, w1.ID(), w2.ID())
	assert.Equal(t, 1, p.Snapshot().Total)
}

func TestAcquire_ExhaustedAfterMaxWait(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1, MaxWait: 150 * time.Millisecond})

	held, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	defer p.Release(held, OutcomeOK)

	start := time.Now()
	_, err = p.Acquire(context.Background(), mathlib)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap.Stats.Exhausted)
	assert.Equal(t, 0, snap.Waiting)
}

func TestAcquire_CallerDeadlineBoundsWait(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1, MaxWait: time.Minute})

	held, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	defer p.Release(held, OutcomeOK)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.Acquire(ctx, leanHdr)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquire_CancelledReturnsContextError(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1})

	held, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	defer p.Release(held, OutcomeOK)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitFor(t, func() bool { return p.Snapshot().Waiting == 1 })
		cancel()
	}()
	_, err = p.Acquire(ctx, mathlib)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestAcquire_WaitersServedInArrivalOrder(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1, MaxWait: 5 * time.Second})

	held, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := p.Acquire(context.Background(), mathlib)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			p.Release(w, OutcomeOK)
		}(i)
		// Queue them one at a time so arrival order is well defined.
		waitFor(t, func() bool { return p.Snapshot().Waiting == i+1 })
	}

	p.Release(held, OutcomeOK)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Equal(t, 1, sp.spawnCount())
}

func TestAcquire_FirstSpawnOfHeaderIsSerialized(t *testing.T) {
	sp := &fakeSpawner{delay: 100 * time.Millisecond}
	p := newTestPool(t, sp, Config{MaxWorkers: 4, MaxWait: 5 * time.Second})

	var wg sync.WaitGroup
	workers := make(chan worker.Worker, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.Acquire(context.Background(), mathlib)
			if assert.NoError(t, err) {
				workers <- w
			}
		}()
	}
	wg.Wait()
	close(workers)

	windows := sp.spawnWindows()
	require.Len(t, windows, 4)
	first := windows[0]
	for _, w := range windows {
		if w.end.Before(first.end) {
			first = w
		}
	}
	for _, w := range windows {
		if w == first {
			continue
		}
		assert.False(t, w.start.Before(first.end), "a second spawn started before the first one finished")
	}
	for w := range workers {
		p.Release(w, OutcomeOK)
	}
}

func TestAcquire_EvictsIdleWorkerOfAnotherHeader(t *testing.T) {
	sp := &fakeSpawner{}
	pub := &recordingPublisher{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1, Publisher: pub})
	ctx := context.Background()

	a, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	p.Release(a, OutcomeOK)

	b, err := p.Acquire(ctx, leanHdr)
	require.NoError(t, err)
	assert.Equal(t, leanHdr, b.Header())
	waitFor(t, func() bool { return a.(*fakeWorker).terminated.Load() })

	snap := p.Snapshot()
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, int64(1), snap.Stats.Evicted)
	assert.Equal(t, 1, pub.count(EventWorkerRetired))
	assert.Equal(t, 2, pub.count(EventWorkerSpawned))
}

func TestAcquire_QueuedWaiterEvictsWhenIdleAppears(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1, MaxWait: 5 * time.Second})

	a, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)

	got := make(chan worker.Worker, 1)
	go func() {
		w, err := p.Acquire(context.Background(), leanHdr)
		assert.NoError(t, err)
		got <- w
	}()
	waitFor(t, func() bool { return p.Snapshot().Waiting == 1 })

	p.Release(a, OutcomeOK)
	select {
	case w := <-got:
		assert.Equal(t, leanHdr, w.Header())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter for another header was never served")
	}
}

func TestRelease_CrashSpawnsReplacementForWaiter(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1, MaxWait: 5 * time.Second})

	held, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)

	got := make(chan worker.Worker, 1)
	go func() {
		w, err := p.Acquire(context.Background(), mathlib)
		assert.NoError(t, err)
		got <- w
	}()
	waitFor(t, func() bool { return p.Snapshot().Waiting == 1 })

	p.Release(held, OutcomeCrashed)
	select {
	case w := <-got:
		assert.NotEqual(t, held.ID(), w.ID())
		assert.Equal(t, 0, w.Uses())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not served after crash")
	}
	assert.Equal(t, int64(1), p.Snapshot().Stats.Crashed)
}

func TestAcquire_WithFreshSkipsUsedWorkers(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 1})
	ctx := context.Background()

	used, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	_, _ = used.Execute(ctx, &worker.Job{})
	p.Release(used, OutcomeOK)

	fresh, err := p.Acquire(ctx, mathlib, WithFresh())
	require.NoError(t, err)
	assert.NotEqual(t, used.ID(), fresh.ID())
	assert.Equal(t, 0, fresh.Uses())
	waitFor(t, func() bool { return used.(*fakeWorker).terminated.Load() })
}

func TestAcquire_SpawnFailure(t *testing.T) {
	sp := &fakeSpawner{fail: func(h worker.Header) error {
		if h == leanHdr {
			return errors.Join(worker.ErrInitialization, errors.New("unknown package 'Lean'"))
		}
		return nil
	}}
	p := newTestPool(t, sp, Config{MaxWorkers: 1})

	_, err := p.Acquire(context.Background(), leanHdr)
	require.ErrorIs(t, err, worker.ErrInitialization)

	snap := p.Snapshot()
	assert.Equal(t, 0, snap.Total)
	assert.Equal(t, int64(1), snap.Stats.SpawnFailures)

	// The slot is free again.
	w, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	p.Release(w, OutcomeOK)
}

func TestAcquire_TwoWorkersFiveRequests(t *testing.T) {
	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{MaxWorkers: 2, MaxWait: time.Second})

	var ok, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.Acquire(context.Background(), mathlib)
			if errors.Is(err, ErrPoolExhausted) {
				exhausted.Add(1)
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			ok.Add(1)
			time.Sleep(600 * time.Millisecond)
			p.Release(w, OutcomeOK)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4), ok.Load())
	assert.Equal(t, int64(1), exhausted.Load())
	assert.Equal(t, 2, sp.spawnCount())
}

func TestPrewarm(t *testing.T) {
	sp := &fakeSpawner{delay: 20 * time.Millisecond}
	pub := &recordingPublisher{}
	p := newTestPool(t, sp, Config{
		MaxWorkers: 3,
		Publisher:  pub,
		Prewarm: []PrewarmSpec{
			{Header: mathlib, Count: 2},
			{Header: treeHdr, Count: 1},
		},
	})

	require.NoError(t, p.Prewarm(context.Background()))
	snap := p.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 3, snap.Idle)
	assert.Equal(t, 1, pub.count(EventPrewarmDone))

	w, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	assert.Equal(t, 3, sp.spawnCount(), "a prewarmed header should not spawn on first use")
	p.Release(w, OutcomeOK)
}

func TestPrewarm_BoundedByCapacityAndSkipsFailures(t *testing.T) {
	sp := &fakeSpawner{fail: func(h worker.Header) error {
		if h == leanHdr {
			return worker.ErrInitialization
		}
		return nil
	}}
	p := newTestPool(t, sp, Config{
		MaxWorkers: 2,
		Prewarm: []PrewarmSpec{
			{Header: leanHdr, Count: 1},
			{Header: mathlib, Count: 5},
		},
	})

	require.NoError(t, p.Prewarm(context.Background()))
	snap := p.Snapshot()
	assert.LessOrEqual(t, snap.Total, 2)
	assert.Equal(t, snap.Total, snap.Idle)
	for _, h := range snap.Headers {
		assert.Equal(t, mathlib.Key(), h.Key)
	}
}

func TestShutdown(t *testing.T) {
	sp := &fakeSpawner{}
	p := New(sp, Config{MaxWorkers: 2, MaxWait: 5 * time.Second, Logger: log.Discard()})
	ctx := context.Background()

	idle, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx, leanHdr)
	require.NoError(t, err)
	p.Release(idle, OutcomeOK)

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()

	waitFor(t, func() bool { return idle.(*fakeWorker).terminated.Load() })
	_, err = p.Acquire(ctx, mathlib)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, p.Snapshot().Closed)

	select {
	case <-done:
		t.Fatal("shutdown returned while a worker was still busy")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, busy.(*fakeWorker).terminated.Load())

	p.Release(busy, OutcomeOK)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after the busy worker was released")
	}
	assert.True(t, busy.(*fakeWorker).terminated.Load())
	assert.Equal(t, 0, p.Snapshot().Total)
}

func TestShutdown_DeadlineTerminatesBusyWorkers(t *testing.T) {
	sp := &fakeSpawner{}
	p := New(sp, Config{MaxWorkers: 1, Logger: log.Discard()})

	busy, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, busy.(*fakeWorker).terminated.Load(), "busy worker must not outlive shutdown")

	// The holder's Release still balances the books.
	p.Release(busy, OutcomeOK)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.Snapshot().Total)
}

func TestShutdown_AbortsCallerSpawn(t *testing.T) {
	sp := &fakeSpawner{delay: time.Minute}
	p := New(sp, Config{MaxWorkers: 1, Logger: log.Discard()})

	acquired := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), mathlib)
		acquired <- err
	}()
	waitFor(t, func() bool { return p.Snapshot().Spawning == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	select {
	case err := <-acquired:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("spawning acquire not aborted by shutdown")
	}
	snap := p.Snapshot()
	assert.Equal(t, 0, snap.Spawning)
	assert.Equal(t, 0, snap.Total)
}

func TestShutdown_FailsWaiters(t *testing.T) {
	sp := &fakeSpawner{}
	p := New(sp, Config{MaxWorkers: 1, MaxWait: 5 * time.Second, Logger: log.Discard()})
	ctx := context.Background()

	held, err := p.Acquire(ctx, mathlib)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, mathlib)
		waitErr <- err
	}()
	waitFor(t, func() bool { return p.Snapshot().Waiting == 1 })

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()
	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by shutdown")
	}

	p.Release(held, OutcomeOK)
	require.NoError(t, <-done)
	assert.Empty(t, p.Snapshot().Headers, "closed pool must not keep header state for failed waiters")
}

func TestAcquire_ClosedPoolLeavesNoHeaderState(t *testing.T) {
	p := New(&fakeSpawner{}, Config{MaxWorkers: 1, Logger: log.Discard()})
	require.NoError(t, p.Shutdown(context.Background()))

	for i := 0; i < 3; i++ {
		h := worker.NewHeader(worker.KindCheck, fmt.Sprintf("import M%d", i))
		_, err := p.Acquire(context.Background(), h)
		assert.ErrorIs(t, err, ErrPoolClosed)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.headers)
}

func TestRecordRepeatedCrash(t *testing.T) {
	pub := &recordingPublisher{}
	p := newTestPool(t, &fakeSpawner{}, Config{MaxWorkers: 1, Publisher: pub})

	assert.Equal(t, int64(1), p.RecordRepeatedCrash(mathlib))
	assert.Equal(t, int64(2), p.RecordRepeatedCrash(mathlib))
	assert.Equal(t, 2, pub.count(EventRepeatedCrash))
}

func TestRelease_CrashedHeaderIsPrunedButReported(t *testing.T) {
	p := newTestPool(t, &fakeSpawner{}, Config{MaxWorkers: 1})

	w, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	p.Release(w, OutcomeCrashed)
	p.RecordRepeatedCrash(mathlib)

	p.mu.Lock()
	_, live := p.headers[mathlib.Key()]
	p.mu.Unlock()
	assert.False(t, live, "header with no workers should be pruned")

	snap := p.Snapshot()
	require.Len(t, snap.Headers, 1)
	assert.Equal(t, mathlib.Key(), snap.Headers[0].Key)
	assert.Equal(t, 0, snap.Headers[0].Workers)
	assert.Equal(t, int64(1), snap.Headers[0].Crashes)
	assert.Equal(t, int64(1), snap.Headers[0].RepeatedCrashes)
}

func TestRecordRepeatedCrash_TallyIsBounded(t *testing.T) {
	p := newTestPool(t, &fakeSpawner{}, Config{MaxWorkers: 1})

	for i := 0; i < maxCrashTally+50; i++ {
		p.RecordRepeatedCrash(worker.NewHeader(worker.KindCheck, fmt.Sprintf("import Crash%d", i)))
	}
	snap := p.Snapshot()
	assert.Len(t, snap.Headers, maxCrashTally)

	// The oldest entries were the ones dropped.
	keys := make(map[string]bool, len(snap.Headers))
	for _, h := range snap.Headers {
		keys[h.Key] = true
	}
	assert.False(t, keys[worker.NewHeader(worker.KindCheck, "import Crash0").Key()])
	assert.True(t, keys[worker.NewHeader(worker.KindCheck, fmt.Sprintf("import Crash%d", maxCrashTally+49)).Key()])
}

func TestPrewarm_AcquireDuringPrewarmWaitsForIt(t *testing.T) {
	sp := &fakeSpawner{delay: 200 * time.Millisecond}
	p := newTestPool(t, sp, Config{
		MaxWorkers: 2,
		MaxWait:    5 * time.Second,
		Prewarm:    []PrewarmSpec{{Header: mathlib, Count: 1}},
	})

	prewarmed := make(chan error, 1)
	go func() { prewarmed <- p.Prewarm(context.Background()) }()
	waitFor(t, func() bool { return p.Snapshot().Spawning == 1 })
	time.Sleep(20 * time.Millisecond)

	w, err := p.Acquire(context.Background(), mathlib)
	require.NoError(t, err)
	require.NoError(t, <-prewarmed)

	assert.Equal(t, 1, sp.spawnCount(), "acquire should take the prewarmed worker, not cold-start another")
	assert.Equal(t, 1, p.Snapshot().Total)
	p.Release(w, OutcomeOK)
}
