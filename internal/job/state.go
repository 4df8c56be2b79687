// Package job runs the research loop as a persisted state machine: every
// transition is validated against the table below and checkpointed, so a job
// can pause, resume or survive a crash without repeating finished work.
package job

// State is a research job's position in the pipeline.
type State string

const (
	StatePending    State = "pending"
	StatePlanning   State = "planning"
	StateSearching  State = "searching"
	StateAcquiring  State = "acquiring"
	StateExtracting State = "extracting"
	StateEvaluating State = "evaluating"
	StateDrafting   State = "drafting"
	StateValidating State = "validating"
	StateReporting  State = "reporting"
	StateCompleted  State = "completed"
	StatePaused     State = "paused"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// transitions is the explicit edge table. Paused and the terminal states are
// handled separately: Paused is reachable from any non-terminal state, and
// Cancelled/Failed from anywhere.
var transitions = map[State][]State{
	StatePending:    {StatePlanning},
	StatePlanning:   {StateSearching},
	StateSearching:  {StateAcquiring},
	StateAcquiring:  {StateExtracting},
	StateExtracting: {StateEvaluating},
	StateEvaluating: {StateSearching, StateDrafting},
	StateDrafting:   {StateValidating},
	StateValidating: {StateReporting, StateSearching}, // Searching = remediation
	StateReporting:  {StateCompleted},
}

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateCancelled, StateFailed:
		return true
	case StatePaused:
		return true
	}
	if from == StatePaused {
		// Resume restores the checkpointed pre-pause state, which is always
		// non-terminal.
		return !to.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
