package pool

import "github.com/mattjoyce/leangate/internal/worker"

// maxCrashTally bounds how many headers keep crash history once their
// workers are gone.
const maxCrashTally = 256

type crashCount struct {
	header   worker.Header
	crashes  int64
	repeated int64
	touched  uint64
}

// crashTally keeps per-header crash counters independent of headerState, so
// a header can be pruned without losing its history. When full, the least
// recently touched entry is dropped.
type crashTally struct {
	limit   int
	clock   uint64
	entries map[string]*crashCount
}

func newCrashTally(limit int) *crashTally {
	return &crashTally{limit: limit, entries: make(map[string]*crashCount)}
}

// record returns the entry for h, creating it if needed.
func (t *crashTally) record(h worker.Header) *crashCount {
	t.clock++
	key := h.Key()
	if c, ok := t.entries[key]; ok {
		c.touched = t.clock
		return c
	}
	if len(t.entries) >= t.limit {
		t.evictOldest()
	}
	c := &crashCount{header: h, touched: t.clock}
	t.entries[key] = c
	return c
}

func (t *crashTally) get(key string) crashCount {
	if c, ok := t.entries[key]; ok {
		return *c
	}
	return crashCount{}
}

func (t *crashTally) evictOldest() {
	var oldest string
	var at uint64
	for key, c := range t.entries {
		if oldest == "" || c.touched < at {
			oldest, at = key, c.touched
		}
	}
	delete(t.entries, oldest)
}
