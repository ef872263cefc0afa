package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/leangate/internal/process"
)

// DefaultCodeModule is the virtual module name used for code-mode extraction.
const DefaultCodeModule = "User.Code"

var moduleNameRe = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// ValidModuleName reports whether name is safe to turn into a path.
func ValidModuleName(name string) bool {
	return moduleNameRe.MatchString(name) && !strings.Contains(name, "..") &&
		!strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".")
}

// ExportWorker runs the ast-export binary once per job. The header, when
// present, is prepended to code-mode sources.
type ExportWorker struct {
	base

	scratch string

	mu      sync.Mutex
	running *process.Process
	stderr  *process.TailBuffer

	termOnce sync.Once
	termErr  error
}

// SpawnExporter checks the exporter binary and prepares a scratch directory.
func SpawnExporter(_ context.Context, h Header, opts Options) (*ExportWorker, error) {
	opts = opts.withDefaults()
	if opts.ExporterPath == "" {
		return nil, fmt.Errorf("%w: no exporter configured", ErrInitialization)
	}
	info, err := os.Stat(opts.ExporterPath)
	if err != nil {
		return nil, fmt.Errorf("%w: exporter: %v", ErrInitialization, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("%w: exporter %s is not executable", ErrInitialization, opts.ExporterPath)
	}

	scratch, err := os.MkdirTemp("", "leangate-export-")
	if err != nil {
		return nil, fmt.Errorf("%w: scratch dir: %v", ErrInitialization, err)
	}

	id := uuid.NewString()
	w := &ExportWorker{
		base: base{
			id:     id,
			header: h,
			opts:   opts,
			logger: opts.workerLogger(id, h),
		},
		scratch: scratch,
		stderr:  process.NewTailBuffer(process.DefaultTailBytes),
	}
	if err := w.lc.to(StateReady); err != nil {
		return nil, err
	}
	w.logger.Debug("exporter ready", "scratch", scratch)
	return w, nil
}

// Execute extracts the tree for job.Module (module mode) or for job.Code
// compiled as a virtual module (code mode).
func (w *ExportWorker) Execute(ctx context.Context, job *Job) (*Result, error) {
	if err := w.lc.to(StateBusy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	module := job.Module
	if module == "" && job.Code != "" {
		module = DefaultCodeModule
	}
	if !ValidModuleName(module) {
		w.finish()
		return &Result{Error: fmt.Sprintf("invalid module name %q", module)}, nil
	}

	cmd, outPath, err := w.command(job, module)
	if err != nil {
		w.finish()
		return &Result{Error: err.Error()}, nil
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	stderr := process.NewTailBuffer(process.DefaultTailBytes)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.MultiWriter(stderr, w.stderr)

	start := time.Now()
	proc, err := process.Start(cmd, process.Options{
		MemoryLimitBytes: w.opts.MaxMemoryBytes,
		Logger:           w.logger,
	})
	if err != nil {
		crashErr := fmt.Errorf("%w: %v", ErrWorkerCrashed, err)
		w.lc.fail(StateDead, crashErr)
		return nil, crashErr
	}
	w.setRunning(proc)
	defer w.setRunning(nil)

	select {
	case <-proc.Done():
	case <-runCtx.Done():
		_ = proc.Kill()
		elapsed := time.Since(start)
		if errors.Is(runCtx.Err(), context.Canceled) {
			w.lc.fail(StateDraining, runCtx.Err())
			return nil, fmt.Errorf("execution cancelled: %w", runCtx.Err())
		}
		timeoutErr := fmt.Errorf("%w after %s", ErrExecutionTimeout, elapsed.Round(time.Millisecond))
		w.lc.fail(StateDraining, timeoutErr)
		return nil, timeoutErr
	}
	elapsed := time.Since(start)

	if sig, ok := proc.KilledBySignal(); ok {
		cause := fmt.Errorf("exporter killed by signal: %s", sig)
		var crashErr error
		if sig == "killed" || sig == "segmentation fault" || looksLikeAllocFailure(stderr.String()) {
			crashErr = fmt.Errorf("%w: %w: %v", ErrWorkerCrashed, ErrMemoryLimitExceeded, cause)
		} else {
			crashErr = fmt.Errorf("%w: %v", ErrWorkerCrashed, cause)
		}
		w.lc.fail(StateDead, crashErr)
		return nil, crashErr
	}

	w.uses.Add(1)
	w.finish()

	if err := proc.ExitErr(); err != nil {
		msg := lastLines(stderr.String(), 20)
		if msg == "" {
			msg = err.Error()
		}
		return &Result{Error: "ast-export failed: " + msg, Elapsed: elapsed}, nil
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return &Result{Error: fmt.Sprintf("read exported tree: %v", err), Elapsed: elapsed}, nil
	}
	if !json.Valid(data) {
		return &Result{Error: "exported tree is not valid JSON", Elapsed: elapsed}, nil
	}
	w.logger.Debug("exported", "module", module, "elapsed", elapsed)
	return &Result{Payload: data, Elapsed: elapsed}, nil
}

// command builds the exporter invocation and the path of its output file.
func (w *ExportWorker) command(job *Job, module string) (*exec.Cmd, string, error) {
	relPath := filepath.Join(strings.Split(module, ".")...)

	if job.Code == "" {
		dir := w.opts.ExporterProjectDir
		cmd := exec.Command(w.opts.ExporterPath, "--one", module)
		cmd.Dir = dir
		return cmd, filepath.Join(dir, ".lake", "build", "lib", relPath+".out.json"), nil
	}

	srcDir := filepath.Join(w.scratch, "src")
	srcFile := filepath.Join(srcDir, relPath+".lean")
	if err := os.MkdirAll(filepath.Dir(srcFile), 0o755); err != nil {
		return nil, "", fmt.Errorf("prepare source dir: %w", err)
	}
	source := job.Code
	if !w.header.Empty() {
		source = w.header.Source + "\n\n" + job.Code
	}
	if err := os.WriteFile(srcFile, []byte(source), 0o644); err != nil {
		return nil, "", fmt.Errorf("write source: %w", err)
	}

	outPath := filepath.Join(w.scratch, ".lake", "build", "lib", relPath+".out.json")
	_ = os.Remove(outPath)

	searchPath := []string{srcDir}
	if w.opts.ProjectDir != "" {
		searchPath = append(searchPath, w.opts.ProjectDir)
	}
	if existing := os.Getenv("LEAN_SRC_PATH"); existing != "" {
		searchPath = append(searchPath, existing)
	}

	cmd := exec.Command(w.opts.ExporterPath, "--one", module)
	cmd.Dir = w.scratch
	cmd.Env = append(os.Environ(), "LEAN_SRC_PATH="+strings.Join(searchPath, string(os.PathListSeparator)))
	return cmd, outPath, nil
}

func (w *ExportWorker) finish() {
	if err := w.lc.to(StateReady); err != nil {
		w.logger.Warn("unexpected state after export", "error", err)
	}
}

func (w *ExportWorker) setRunning(p *process.Process) {
	w.mu.Lock()
	w.running = p
	w.mu.Unlock()
}

// Alive reports whether the exporter slot can accept jobs.
func (w *ExportWorker) Alive() bool {
	s := w.State()
	return s == StateReady || s == StateBusy
}

// ShouldRecycle only checks the use budget: exporter children exit after
// every job.
func (w *ExportWorker) ShouldRecycle() (bool, string) {
	return w.overUses()
}

// Terminate kills any running exporter and removes the scratch directory.
func (w *ExportWorker) Terminate() error {
	w.termOnce.Do(func() {
		var err error
		w.lc.fail(StateDraining, nil)
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if running != nil {
			err = running.Stop(w.opts.GracePeriod)
		}
		if rmErr := os.RemoveAll(w.scratch); rmErr != nil && err == nil {
			err = rmErr
		}
		w.lc.fail(StateDead, nil)
		w.termErr = err
	})
	return w.termErr
}

// Stderr returns the tail of stderr across all jobs run by this slot.
func (w *ExportWorker) Stderr() string { return w.stderr.String() }
