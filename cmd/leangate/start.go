package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/leangate/internal/api"
	"github.com/mattjoyce/leangate/internal/auth"
	"github.com/mattjoyce/leangate/internal/config"
	"github.com/mattjoyce/leangate/internal/dispatch"
	"github.com/mattjoyce/leangate/internal/events"
	"github.com/mattjoyce/leangate/internal/lock"
	"github.com/mattjoyce/leangate/internal/log"
	"github.com/mattjoyce/leangate/internal/metrics"
	"github.com/mattjoyce/leangate/internal/pool"
	"github.com/mattjoyce/leangate/internal/results"
	"github.com/mattjoyce/leangate/internal/storage"
	"github.com/mattjoyce/leangate/internal/worker"
)

// eventBufferSize is how many events the hub keeps for SSE replay.
const eventBufferSize = 1024

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "api.enabled is false; nothing would serve requests")
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("leangate starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.Acquire(pidLockPath)
	if errors.Is(err, lock.ErrHeld) {
		logger.Error("another instance is running", "path", pidLockPath, "pid", lock.Holder(pidLockPath))
		return 1
	}
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.close()

	code := 0
	if err := rt.serve(ctx, cfg); err != nil {
		logger.Error("component failed", "error", err)
		code = 1
	}

	logger.Info("leangate stopped")
	return code
}

// runtime is everything system start wires together.
type runtime struct {
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	server     *api.Server
	db         *sql.DB
	results    *results.Store
}

func (rt *runtime) close() {
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

// serve prewarms the pool, then serves the API until ctx ends or the server
// fails. On the way out it drains the pool and waits for the server and the
// retention sweep to stop.
func (rt *runtime) serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	if err := rt.pool.Prewarm(ctx); err != nil {
		logger.Warn("prewarm interrupted", "error", err)
	}
	if ctx.Err() != nil {
		logger.Info("received shutdown signal during prewarm")
		rt.shutdownPool(cfg)
		return nil
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	serverErr := make(chan error, 1)
	go func() { serverErr <- rt.server.Start(serveCtx) }()
	logger.Info("API server enabled", "listen", cfg.API.Listen)

	pruneDone := make(chan struct{})
	if rt.results != nil && cfg.Storage.Retention > 0 {
		go func() {
			defer close(pruneDone)
			rt.pruneResults(serveCtx, cfg.Storage.Retention, pruneInterval(cfg.Storage.Retention))
		}()
	} else {
		close(pruneDone)
	}

	logger.Info("leangate running (press Ctrl+C to stop)", "max_workers", cfg.Pool.MaxWorkers)

	var failure error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		serverErr = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			failure = fmt.Errorf("api: %w", err)
		}
	}
	stopServing()

	rt.shutdownPool(cfg)
	if serverErr != nil {
		if err := <-serverErr; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("api server stopped with error", "error", err)
		}
	}
	<-pruneDone
	return failure
}

// shutdownPool gives in-flight requests their full timeout plus grace to
// finish before busy workers are killed.
func (rt *runtime) shutdownPool(cfg *config.Config) {
	timeout := cfg.Pool.DefaultTimeout + 2*cfg.Pool.GracePeriod + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.pool.Shutdown(ctx); err != nil {
		log.WithComponent("main").Warn("pool shutdown incomplete", "error", err)
	}
}

// pruneInterval runs the sweep a few times per retention window, capped
// at hourly.
func pruneInterval(retention time.Duration) time.Duration {
	return min(time.Hour, max(time.Second, retention/4))
}

// pruneResults drops stored results older than retention until ctx ends.
func (rt *runtime) pruneResults(ctx context.Context, retention, every time.Duration) {
	logger := log.WithComponent("results")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := rt.results.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("prune failed", "error", err)
		case n > 0:
			logger.Info("pruned results", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildRuntime turns a loaded config into a ready, not yet serving, gateway.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	m, err := metrics.New(nil)
	if err != nil {
		return nil, err
	}
	hub := events.NewHub(eventBufferSize)

	pcfg, err := poolConfig(cfg, m, hub)
	if err != nil {
		return nil, err
	}
	factory := worker.NewFactory(workerOptions(cfg))
	p := pool.New(factory, pcfg)

	rt := &runtime{pool: p, hub: hub}

	dcfg := dispatch.Config{
		DefaultTimeout: cfg.Pool.DefaultTimeout,
		Publisher:      hub,
		Metrics:        m,
		Logger:         log.WithComponent("dispatch"),
	}

	// A typed nil *results.Store must not reach the API as a non-nil interface.
	var resultStore api.ResultStore
	if cfg.Storage.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open results database: %w", err)
		}
		rt.db = db
		store := results.NewStore(db)
		rt.results = store
		dcfg.Recorder = store
		resultStore = store
		log.WithComponent("main").Info("recording results", "path", cfg.Storage.Path)
	}

	rt.dispatcher = dispatch.New(p, dcfg)
	rt.server = api.New(apiConfig(cfg), rt.dispatcher, p, hub, resultStore, log.WithComponent("api"))
	return rt, nil
}

func workerOptions(cfg *config.Config) worker.Options {
	return worker.Options{
		ReplCommand:        cfg.Lean.ReplCommand,
		ProjectDir:         cfg.Lean.ProjectDir,
		ExporterPath:       cfg.Lean.ExporterPath,
		ExporterProjectDir: cfg.Lean.ExporterProjectDir,
		MaxUses:            cfg.Pool.MaxUses,
		MaxMemoryBytes:     cfg.Pool.MaxMemoryMB << 20,
		InitTimeout:        cfg.Pool.InitTimeout,
		GracePeriod:        cfg.Pool.GracePeriod,
		DiscardEnvs:        cfg.Pool.DiscardEnvs,
	}
}

func poolConfig(cfg *config.Config, m *metrics.Metrics, pub pool.Publisher) (pool.Config, error) {
	specs := make([]pool.PrewarmSpec, 0, len(cfg.Pool.Prewarm))
	for i, pw := range cfg.Pool.Prewarm {
		kind, err := worker.ParseKind(pw.Kind)
		if err != nil {
			return pool.Config{}, fmt.Errorf("pool.prewarm[%d]: %w", i, err)
		}
		specs = append(specs, pool.PrewarmSpec{
			Header: worker.NewHeader(kind, pw.Header),
			Count:  pw.Count,
		})
	}
	return pool.Config{
		MaxWorkers: cfg.Pool.MaxWorkers,
		MaxWait:    cfg.Pool.MaxWait,
		Prewarm:    specs,
		Logger:     log.WithComponent("pool"),
		Metrics:    m,
		Publisher:  pub,
	}, nil
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
		// A batch can queue for max_wait and then run one crash retry.
		WriteTimeout: max(15*time.Minute, cfg.Pool.MaxWait+2*cfg.Pool.DefaultTimeout+time.Minute),
	}
}

// getPIDLockPath puts the lock next to the results database, or in the
// temp dir when nothing is persisted.
func getPIDLockPath(cfg *config.Config) string {
	name := strings.TrimSpace(cfg.Service.Name)
	if name == "" {
		name = "leangate"
	}
	if !cfg.Storage.Enabled || cfg.Storage.Path == "" {
		return filepath.Join(os.TempDir(), name+".pid")
	}
	dbPath := cfg.Storage.Path
	dbBase := filepath.Base(dbPath)
	nameWithoutExt := strings.TrimSuffix(dbBase, filepath.Ext(dbBase))
	return filepath.Join(filepath.Dir(dbPath), nameWithoutExt+".pid")
}
