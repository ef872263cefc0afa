//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setGroup(*exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig signal) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if sig == sigTerm {
		// No graceful signal to deliver; Stop falls through to Kill after grace.
		return nil
	}
	return cmd.Process.Kill()
}

func signalOf(*os.ProcessState) (string, bool) { return "", false }
