package health

import "fmt"

// State is the circuit state of one provider
type State int

const (
	// StateClosed permits calls and counts outcomes in the sliding window
	StateClosed State = iota
	// StateOpen refuses calls until the cooldown elapses
	StateOpen
	// StateHalfOpen lets exactly one trial call through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type event int

const (
	eventTrip event = iota
	eventCooldownElapsed
	eventTrialSuccess
	eventTrialFailure
)

func (e event) String() string {
	switch e {
	case eventTrip:
		return "trip"
	case eventCooldownElapsed:
		return "cooldown_elapsed"
	case eventTrialSuccess:
		return "trial_success"
	case eventTrialFailure:
		return "trial_failure"
	default:
		return "unknown"
	}
}

// transitions lists every legal move; anything absent is a no-op
var transitions = map[State]map[event]State{
	StateClosed: {
		eventTrip: StateOpen,
	},
	StateOpen: {
		eventCooldownElapsed: StateHalfOpen,
	},
	StateHalfOpen: {
		eventTrialSuccess: StateClosed,
		eventTrialFailure: StateOpen,
	},
}

// next returns the state reached from s on e, and whether e applies to s at all
func next(s State, e event) (State, bool) {
	to, ok := transitions[s][e]
	if !ok {
		return s, false
	}
	return to, true
}
