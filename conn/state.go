package conn

// State is the connection lifecycle as a closed union. Transitions go
// through the table below; there are no ad hoc status flags.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnectedRetryable
	StateDisconnectedTerminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnectedRetryable:
		return "disconnected-retryable"
	case StateDisconnectedTerminal:
		return "disconnected-terminal"
	default:
		return "invalid"
	}
}

// transitions is the legal edge set. DisconnectedTerminal has no outgoing
// edges: it ends the run until the operator re-authenticates.
var transitions = map[State][]State{
	StateConnecting:            {StateConnected, StateDisconnectedRetryable, StateDisconnectedTerminal},
	StateConnected:             {StateDisconnectedRetryable, StateDisconnectedTerminal},
	StateDisconnectedRetryable: {StateConnecting},
}

func validTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
