// Package process starts and stops the external interpreter processes behind
// workers.
//
// Every process runs in its own process group so that wrappers such as
// `lake env repl` can be torn down together with their children. Stop always
// follows the same ladder: SIGTERM to the group, a grace period, then SIGKILL
// to the group (falling back to the single process when the group cannot be
// signalled). Stop and Kill are idempotent.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// reapTimeout bounds how long we wait for the kernel to reap a SIGKILLed process.
const reapTimeout = 5 * time.Second

// ErrLimitUnsupported is returned where the OS offers no per-process memory limit.
var ErrLimitUnsupported = errors.New("memory limits are not supported on this platform")

// Options controls how a process is started.
type Options struct {
	// MemoryLimitBytes caps the address space of the process (Linux only).
	// Zero disables the limit.
	MemoryLimitBytes int64
	Logger           *slog.Logger
}

// Process is a started command plus its reaper.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	killOnce sync.Once
}

// Start places cmd in a new process group, starts it and applies the memory
// limit. The caller owns the pipes configured on cmd.
func Start(cmd *exec.Cmd, opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	setGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		logger: logger.With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	if opts.MemoryLimitBytes > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, opts.MemoryLimitBytes); err != nil {
			if errors.Is(err, ErrLimitUnsupported) {
				p.logger.Debug("memory limit not enforced", "reason", err)
			} else {
				p.logger.Warn("failed to apply memory limit", "limit_bytes", opts.MemoryLimitBytes, "error", err)
			}
		}
	}
	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr is the result of Wait. Only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// KilledBySignal reports the terminating signal name, if the process died from one.
func (p *Process) KilledBySignal() (string, bool) {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return "", false
	}
	return signalOf(p.cmd.ProcessState)
}

// Wait blocks until the process exits or timeout elapses.
func (p *Process) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Stop terminates the process group: SIGTERM, grace, SIGKILL.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	if err := signalGroup(p.cmd, sigTerm); err != nil {
		p.logger.Debug("SIGTERM failed", "error", err)
	}
	if p.Wait(grace) {
		p.logger.Debug("process exited after SIGTERM")
		return nil
	}

	p.logger.Warn("process did not exit after SIGTERM, sending SIGKILL", "grace", grace)
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits for the reaper.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.Exited() {
			return
		}
		if kerr := signalGroup(p.cmd, sigKill); kerr != nil {
			p.logger.Warn("group kill failed, falling back to process kill", "error", kerr)
			if perr := p.cmd.Process.Kill(); perr != nil && !p.Exited() {
				err = fmt.Errorf("kill process: %w", perr)
				return
			}
		}
		if !p.Wait(reapTimeout) {
			p.logger.Warn("process did not terminate after SIGKILL", "timeout", reapTimeout)
			err = fmt.Errorf("process %d not reaped within %s", p.PID(), reapTimeout)
		}
	})
	return err
}

// ResidentBytes returns the resident memory of the process and its descendants.
func (p *Process) ResidentBytes() (int64, error) {
	if p.Exited() {
		return 0, nil
	}
	return residentBytes(p.PID())
}

// MemoryLimitSupported reports whether Options.MemoryLimitBytes is enforced here.
func MemoryLimitSupported() bool { return memoryLimitSupported }
