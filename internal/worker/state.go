package worker

import (
	"fmt"
	"sync"
)

// State is a worker lifecycle state.
type State int

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal moves. Besides the request path
// (Ready -> Busy -> Ready) and its failure exits (Busy -> Draining on
// timeout or cancellation, Busy -> Dead on a crash):
//
//   - Starting -> Dead: the spawn failed while loading the header.
//   - Ready -> Draining: the pool terminates an idle worker, either evicting
//     it to free a slot for another header or retiring it at shutdown.
//   - Ready -> Dead: Alive finds that an idle worker's process has exited.
var transitions = map[State][]State{
	StateStarting: {StateReady, StateDead},
	StateReady:    {StateBusy, StateDraining, StateDead},
	StateBusy:     {StateReady, StateDraining, StateDead},
	StateDraining: {StateDead},
}

// CanTransition reports whether s -> to is a legal move.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// lifecycle guards a worker's state and last error.
type lifecycle struct {
	mu      sync.Mutex
	state   State
	lastErr error
}

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// to performs a checked transition.
func (l *lifecycle) to(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", l.state, next)
	}
	l.state = next
	return nil
}

// fail moves towards next (Draining or Dead) if legal and records cause.
// Already-terminal workers keep their state.
func (l *lifecycle) fail(next State, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cause != nil {
		l.lastErr = cause
	}
	if l.state.CanTransition(next) {
		l.state = next
		return
	}
	if next == StateDead && l.state == StateDraining {
		l.state = StateDead
	}
}
