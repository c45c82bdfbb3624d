package manager

import "time"

// State represents the lifecycle state of the manager.
type State string

const (
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateError    State = "error"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State    State
	Sessions int
	Err      string
	Started  time.Time
}
