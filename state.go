package larex

import "sync/atomic"

// SelectorState is the lifecycle state of a [Selector].
//
//	Running --close()--> Closing --loop observes multiplexer closed--> Closed
type SelectorState uint32

const (
	// SelectorRunning indicates the selector loop is actively draining its
	// task queue and blocking in the platform poller between rounds.
	SelectorRunning SelectorState = iota
	// SelectorClosing indicates the Close task has run on the loop thread
	// (every registration has been removed and its listener notified) but
	// the multiplexer has not yet been closed. A Selector whose Close task
	// is still queued reports SelectorRunning.
	SelectorClosing
	// SelectorClosed indicates the loop thread has exited and the
	// multiplexer has been closed.
	SelectorClosed
)

func (s SelectorState) String() string {
	switch s {
	case SelectorRunning:
		return "Running"
	case SelectorClosing:
		return "Closing"
	case SelectorClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free CAS state machine. It exists so that the
// Selector's hot paths (Wakeup, the loop's per-round check) can check liveness with a single
// atomic load rather than taking a mutex.
type fastState struct {
	v atomic.Uint32
}

func newFastState(initial SelectorState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() SelectorState {
	return SelectorState(s.v.Load())
}

// tryTransition performs a compare-and-swap transition. It returns true if
// the state was "from" and is now "to". The Selector's Running->Closing and
// Closing->Closed edges are both expressed through this rather than a plain
// store, so that a close path racing another state change observes and
// reports failure instead of clobbering it.
func (s *fastState) tryTransition(from, to SelectorState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
