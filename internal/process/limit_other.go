//go:build !linux

package process

const memoryLimitSupported = false

func applyMemoryLimit(int, int64) error { return ErrLimitUnsupported }

func residentBytes(int) (int64, error) { return 0, ErrLimitUnsupported }
