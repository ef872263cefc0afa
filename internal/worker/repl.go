package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/leangate/internal/process"
	"github.com/mattjoyce/leangate/internal/protocol"
)

// crashWaitTimeout is how long a crash report waits for the process to be
// reaped so that its exit signal can be inspected.
const crashWaitTimeout = 200 * time.Millisecond

// ReplWorker is a long-lived Lean REPL with its header already loaded.
type ReplWorker struct {
	base

	proc   *process.Process
	stdin  io.WriteCloser
	stderr *process.TailBuffer

	frames     chan []byte
	readerDone chan struct{}
	readErr    error
	stop       chan struct{}

	// env is the environment id returned for the header; nil for an empty header.
	env *int

	termOnce sync.Once
	termErr  error
}

// SpawnRepl starts a REPL and loads h. It returns once the REPL has
// acknowledged the header, or fails with ErrInitialization.
func SpawnRepl(ctx context.Context, h Header, opts Options) (*ReplWorker, error) {
	opts = opts.withDefaults()
	if len(opts.ReplCommand) == 0 {
		return nil, fmt.Errorf("%w: no repl command configured", ErrInitialization)
	}

	id := uuid.NewString()
	w := &ReplWorker{
		base: base{
			id:     id,
			header: h,
			opts:   opts,
			logger: opts.workerLogger(id, h),
		},
		stderr:     process.NewTailBuffer(process.DefaultTailBytes),
		frames:     make(chan []byte, 1),
		readerDone: make(chan struct{}),
		stop:       make(chan struct{}),
	}

	cmd := exec.Command(opts.ReplCommand[0], opts.ReplCommand[1:]...)
	cmd.Dir = opts.ProjectDir
	cmd.Stderr = w.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrInitialization, err)
	}
	// A plain pipe rather than StdoutPipe: the reaper's Wait must not close
	// the read side while the last frame is still buffered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrInitialization, err)
	}
	cmd.Stdout = stdoutW

	proc, err := process.Start(cmd, process.Options{
		MemoryLimitBytes: opts.MaxMemoryBytes,
		Logger:           w.logger,
	})
	_ = stdoutW.Close()
	if err != nil {
		_ = stdoutR.Close()
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	w.proc = proc
	w.stdin = stdin
	go w.readLoop(stdoutR)

	w.logger.Debug("repl started", "pid", proc.PID(), "header", h.Summary())

	if err := w.loadHeader(ctx); err != nil {
		w.lc.fail(StateDead, err)
		close(w.stop)
		_ = stdin.Close()
		_ = proc.Kill()
		return nil, err
	}
	if err := w.lc.to(StateReady); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *ReplWorker) loadHeader(ctx context.Context) error {
	if w.header.Empty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.InitTimeout)
	defer cancel()

	resp, _, err := w.roundTrip(ctx, &protocol.Command{Cmd: w.header.Source})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: header not acknowledged within %s", ErrInitialization, w.opts.InitTimeout)
		}
		w.proc.Wait(crashWaitTimeout)
		return fmt.Errorf("%w: %v%s", ErrInitialization, err, stderrSuffix(w.stderr.String()))
	}
	if resp.Rejected() {
		return fmt.Errorf("%w: %s", ErrInitialization, resp.Message)
	}
	if resp.HasErrors() {
		return fmt.Errorf("%w: header has errors: %s", ErrInitialization, firstError(resp.Messages))
	}
	if resp.Env == nil {
		return fmt.Errorf("%w: repl returned no environment for header", ErrInitialization)
	}
	w.env = resp.Env
	return nil
}

func (w *ReplWorker) readLoop(r io.ReadCloser) {
	defer close(w.readerDone)
	defer r.Close()

	fr := protocol.NewFrameReader(r)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			w.readErr = err
			return
		}
		select {
		case w.frames <- frame:
		case <-w.stop:
			return
		}
	}
}

// roundTrip writes one command and waits for the matching frame. It returns
// the decoded reply together with the raw frame.
func (w *ReplWorker) roundTrip(ctx context.Context, cmd *protocol.Command) (*protocol.Response, []byte, error) {
	// A frame nobody waited for means the stream is out of step.
	select {
	case stale := <-w.frames:
		return nil, nil, fmt.Errorf("unexpected output before command: %.200s", stale)
	default:
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- protocol.EncodeCommand(w.stdin, cmd) }()

	for {
		select {
		case err := <-writeErr:
			if err != nil {
				return nil, nil, fmt.Errorf("write command: %w", err)
			}
			writeErr = nil
		case frame := <-w.frames:
			resp, err := protocol.DecodeResponse(frame)
			if err != nil {
				return nil, nil, err
			}
			return resp, frame, nil
		case <-w.readerDone:
			if w.readErr == nil || errors.Is(w.readErr, io.EOF) {
				return nil, nil, errors.New("repl closed its output")
			}
			return nil, nil, fmt.Errorf("read response: %w", w.readErr)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Execute sends one command in the header's environment.
func (w *ReplWorker) Execute(ctx context.Context, job *Job) (*Result, error) {
	if err := w.lc.to(StateBusy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	logger := w.logger.With("custom_id", job.ID)

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, frame, err := w.roundTrip(runCtx, &protocol.Command{
		Cmd:        job.Code,
		Env:        w.env,
		AllTactics: job.AllTactics,
		Infotree:   job.Infotree,
		GC:         w.opts.DiscardEnvs,
	})
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// The caller gave up; the REPL is mid-command and cannot be reused.
			w.lc.fail(StateDraining, err)
			return nil, fmt.Errorf("execution cancelled: %w", err)
		case errors.Is(err, context.DeadlineExceeded):
			timeoutErr := fmt.Errorf("%w after %s", ErrExecutionTimeout, elapsed.Round(time.Millisecond))
			w.lc.fail(StateDraining, timeoutErr)
			logger.Warn("execution timed out", "elapsed", elapsed)
			return nil, timeoutErr
		default:
			crashErr := w.crashError(err)
			w.lc.fail(StateDead, crashErr)
			logger.Error("worker crashed", "error", crashErr, "stderr", lastLines(w.stderr.String(), 5))
			return nil, crashErr
		}
	}

	w.uses.Add(1)
	if err := w.lc.to(StateReady); err != nil {
		return nil, err
	}

	res := &Result{Elapsed: elapsed, Diagnostics: resp.Messages}
	if resp.Rejected() {
		res.Error = resp.Message
		return res, nil
	}
	res.Payload = frame
	logger.Debug("executed", "elapsed", elapsed, "uses", w.Uses())
	return res, nil
}

func (w *ReplWorker) crashError(cause error) error {
	w.proc.Wait(crashWaitTimeout)
	if w.likelyOutOfMemory() {
		return fmt.Errorf("%w: %w: %v", ErrWorkerCrashed, ErrMemoryLimitExceeded, cause)
	}
	if sig, ok := w.proc.KilledBySignal(); ok {
		return fmt.Errorf("%w: %v (signal: %s)", ErrWorkerCrashed, cause, sig)
	}
	return fmt.Errorf("%w: %v", ErrWorkerCrashed, cause)
}

func (w *ReplWorker) likelyOutOfMemory() bool {
	if sig, ok := w.proc.KilledBySignal(); ok {
		if sig == "killed" || sig == "segmentation fault" {
			return true
		}
	}
	return looksLikeAllocFailure(w.stderr.String())
}

// Alive reports whether the REPL process is still running and usable. A
// process that exited between requests marks the worker dead.
func (w *ReplWorker) Alive() bool {
	switch w.State() {
	case StateDraining, StateDead:
		return false
	}
	if w.proc.Exited() {
		w.lc.fail(StateDead, errors.New("repl exited while idle"))
		return false
	}
	return true
}

// ShouldRecycle checks the use budget and the process group's resident memory.
func (w *ReplWorker) ShouldRecycle() (bool, string) {
	if over, reason := w.overUses(); over {
		return true, reason
	}
	if w.opts.MaxMemoryBytes <= 0 {
		return false, ""
	}
	rss, err := w.proc.ResidentBytes()
	if err != nil {
		return false, ""
	}
	if rss > w.opts.MaxMemoryBytes {
		return true, fmt.Sprintf("resident memory %d MiB over limit %d MiB", rss>>20, w.opts.MaxMemoryBytes>>20)
	}
	return false, ""
}

// Terminate closes stdin and stops the process group, escalating to SIGKILL
// after the grace period.
func (w *ReplWorker) Terminate() error {
	w.termOnce.Do(func() {
		w.lc.fail(StateDraining, nil)
		close(w.stop)
		_ = w.stdin.Close()
		w.termErr = w.proc.Stop(w.opts.GracePeriod)
		w.lc.fail(StateDead, nil)
		w.logger.Debug("repl terminated", "uses", w.Uses(), "error", w.termErr)
	})
	return w.termErr
}

// Stderr returns the retained tail of the REPL's standard error.
func (w *ReplWorker) Stderr() string { return w.stderr.String() }

func looksLikeAllocFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"out of memory", "bad_alloc", "cannot allocate memory", "memory exhausted"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func firstError(msgs []protocol.Message) string {
	for _, m := range msgs {
		if m.Severity == "error" {
			return fmt.Sprintf("%d:%d: %s", m.Pos.Line, m.Pos.Column, m.Data)
		}
	}
	return "unknown error"
}

func stderrSuffix(stderr string) string {
	tail := lastLines(stderr, 5)
	if tail == "" {
		return ""
	}
	return " (stderr: " + tail + ")"
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
