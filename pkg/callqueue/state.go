// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

// State is the lifecycle state of a Request.
type State int

const (
	Created State = iota
	Queued
	Dispatching
	Assigned
	Commutating
	Bridged
	Disconnected
	Rejected
)

func (s State) String() string {
	switch s {
	case Created:
		return "new"
	case Queued:
		return "queued"
	case Dispatching:
		return "dispatching"
	case Assigned:
		return "assigned"
	case Commutating:
		return "commutating"
	case Bridged:
		return "bridged"
	case Disconnected:
		return "disconnected"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Disconnected || s == Rejected
}

// Assigned goes back to Queued when the operator's call fails before being answered.
var allowedTransitions = map[State][]State{
	Created:     {Queued, Rejected},
	Queued:      {Dispatching, Rejected},
	Dispatching: {Queued, Assigned, Rejected},
	Assigned:    {Queued, Commutating, Rejected},
	Commutating: {Bridged, Rejected},
	Bridged:     {Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
