package core

import "sync/atomic"

// State is the core lifecycle state. Transitions are monotonic per session
// (Ready → Recording → Processing → Ready) and observable atomically.
type State int32

const (
	StateReady State = iota
	StateRecording
	StateProcessing
)

// String returns the status-surface name of the state.
func (s State) String() string {
	switch s {
	case StateRecording:
		return "Recording"
	case StateProcessing:
		return "Processing"
	default:
		return "Ready"
	}
}

// stateCell is the single mutable state cell. It is written only at
// session-boundary transitions (under the control mutex); reads are
// lock-free snapshots.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State   { return State(c.v.Load()) }
func (c *stateCell) store(s State) { c.v.Store(int32(s)) }
