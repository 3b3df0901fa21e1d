package constellation

import (
	"fmt"
	"sync"

	"Constellation/internal/logger"
)

// NodeState is the lifecycle state of the local node.
type NodeState uint8

const (
	StateUndefined NodeState = iota // StateUndefined is the initial state
	StateRising                     // StateRising replays persisted data after start
	StateRunning                    // StateRunning processes quanta but is catching up
	StateReady                      // StateReady is fully synchronized and serving
	StateFailed                     // StateFailed is terminal; consensus safety is lost
)

// String returns the state name used in logs.
func (s NodeState) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateRising:
		return "rising"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// State is the node-level state machine. Every consensus-breaking condition
// funnels through Fail, and workers observe the result through IsReady or Subscribe.
type State struct {
	mu        sync.RWMutex
	current   NodeState
	cause     error
	listeners []func(prev, next NodeState)
}

// NewState creates a state machine in StateUndefined.
func NewState() *State {
	return &State{}
}

// Current returns the current state.
func (s *State) Current() NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// IsReady reports whether the node may flush, serve followers and accept quanta.
func (s *State) IsReady() bool {
	c := s.Current()
	return c == StateRunning || c == StateReady
}

// IsFailed reports whether the node reached the terminal state.
func (s *State) IsFailed() bool {
	return s.Current() == StateFailed
}

// Cause returns the error that failed the node, if any.
func (s *State) Cause() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cause
}

// Set moves to next. Failed is terminal and cannot be left.
func (s *State) Set(next NodeState) error {
	s.mu.Lock()

	prev := s.current
	if prev == StateFailed {
		s.mu.Unlock()
		return fmt.Errorf("node failed, cannot move to %s", next)
	}

	if prev == next {
		s.mu.Unlock()
		return nil
	}

	s.current = next
	listeners := s.listeners
	s.mu.Unlock()

	logger.Info("node state changed", "from", prev, "to", next)
	notify(listeners, prev, next)

	return nil
}

// Fail moves the node to StateFailed and records the cause. Only the first
// cause is kept; later calls are logged and ignored.
func (s *State) Fail(cause error) {
	s.mu.Lock()

	prev := s.current
	if prev == StateFailed {
		s.mu.Unlock()
		logger.Error("additional fatal condition", "error", cause)
		return
	}

	s.current = StateFailed
	s.cause = cause
	listeners := s.listeners
	s.mu.Unlock()

	logger.Error("node failed", "from", prev, "error", cause)
	notify(listeners, prev, StateFailed)
}

// Subscribe registers fn to be called after every transition.
func (s *State) Subscribe(fn func(prev, next NodeState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// notify calls every listener outside the lock.
func notify(listeners []func(prev, next NodeState), prev, next NodeState) {
	for _, fn := range listeners {
		fn(prev, next)
	}
}
