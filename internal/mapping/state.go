package mapping

import "fmt"

// State is the lifecycle state of a tracked entity.
type State string

const (
	// StateDetached is the state of an entity no set owns.
	StateDetached State = ""
	StateUnchanged State = "unchanged"
	StateAdded     State = "added"
	StateModified  State = "modified"
	StateRemoved   State = "removed"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateDetached, StateUnchanged, StateAdded, StateModified, StateRemoved:
		return true
	}
	return false
}

func (s State) String() string {
	if s == StateDetached {
		return "detached"
	}
	return string(s)
}

// ParseState converts a persisted state. Empty means unchanged.
func ParseState(s string) (State, error) {
	if s == "" {
		return StateUnchanged, nil
	}
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown entity state %q", s)
	}
	return st, nil
}

// CanTransition reports whether an owned entity may move from one state
// to another. Added is only ever an initial state; removed only ends by
// detaching, which is not a transition.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateUnchanged:
		return to == StateModified || to == StateRemoved
	case StateModified:
		return to == StateUnchanged || to == StateRemoved
	case StateAdded:
		return to == StateUnchanged
	}
	return false
}
