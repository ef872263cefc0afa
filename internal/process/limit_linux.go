//go:build linux

package process

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const memoryLimitSupported = true

func applyMemoryLimit(pid int, limit int64) error {
	rl := &unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, rl, nil); err != nil {
		return fmt.Errorf("prlimit(RLIMIT_AS) pid=%d: %w", pid, err)
	}
	return nil
}

// residentBytes sums VmRSS over pid and its descendants.
func residentBytes(pid int) (int64, error) {
	seen := make(map[int]struct{})
	var total int64
	var walk func(int) error
	walk = func(p int) error {
		if _, ok := seen[p]; ok {
			return nil
		}
		seen[p] = struct{}{}

		rss, err := vmRSS(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += rss

		for _, child := range children(p) {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(pid); err != nil {
		return 0, err
	}
	return total, nil
}

func vmRSS(pid int) (int64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) == 0 {
			return 0, nil
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse VmRSS for pid %d: %w", pid, err)
		}
		return kb * 1024, nil
	}
	return 0, sc.Err()
}

func children(pid int) []int {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	var out []int
	for _, task := range tasks {
		data, err := os.ReadFile(fmt.Sprintf("%s/%s/children", taskDir, task.Name()))
		if err != nil {
			continue
		}
		for _, field := range bytes.Fields(data) {
			if child, err := strconv.Atoi(string(field)); err == nil {
				out = append(out, child)
			}
		}
	}
	return out
}
