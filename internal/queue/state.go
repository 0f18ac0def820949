package queue

import "fmt"

// State is the lifecycle state of a queued message.
type State string

// Message states.
const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDropped    State = "dropped" // rejected by the rate limiter
)

// transitions defines valid state transitions.
var transitions = map[State][]State{
	StateQueued:     {StateProcessing, StateFailed},
	StateProcessing: {StateCompleted, StateFailed, StateDropped},
	StateCompleted:  {}, // Terminal state
	StateFailed:     {}, // Terminal state
	StateDropped:    {}, // Terminal state
}

// CanTransition reports whether a message may move from one state to another.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Transition moves the message to a new state if the transition is valid.
func (m *Message) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.state, to)
	}
	m.state = to
	return nil
}
