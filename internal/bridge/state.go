package bridge

import "fmt"

// State is the lifecycle position of a Session.
type State string

const (
	StateIdle                  State = "idle"
	StateConnectingUpstream    State = "connecting_upstream"
	StateUpstreamReady         State = "upstream_ready"
	StateNegotiatingDownstream State = "negotiating_downstream"
	StateActive                State = "active"
	StateClosing               State = "closing"
	StateClosed                State = "closed"
	StateFailed                State = "failed"
)

var transitions = map[State][]State{
	StateIdle:                  {StateConnectingUpstream, StateClosing, StateFailed},
	StateConnectingUpstream:    {StateUpstreamReady, StateClosing, StateFailed},
	StateUpstreamReady:         {StateNegotiatingDownstream, StateClosing, StateFailed},
	StateNegotiatingDownstream: {StateActive, StateClosing, StateFailed},
	StateActive:                {StateClosing, StateFailed},
	StateClosing:               {StateClosed, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Live reports whether a session in this state holds, or is acquiring,
// connections on behalf of its conversation.
func (s State) Live() bool {
	switch s {
	case StateConnectingUpstream, StateUpstreamReady, StateNegotiatingDownstream, StateActive:
		return true
	}
	return false
}

// CanTransition reports whether to may follow s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type transitionError struct{ from, to State }

func (e transitionError) Error() string {
	return fmt.Sprintf("bridge: invalid transition %s -> %s", e.from, e.to)
}
