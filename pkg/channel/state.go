package channel

type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateDegraded
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition encodes the channel state machine. Closed is terminal; a
// channel never returns to Connecting or Subscribed once it has degraded,
// because reconnecting always builds a new channel.
func CanTransition(from, to State) bool {
	if from == StateClosed || from == to {
		return false
	}
	switch to {
	case StateSubscribed:
		return from == StateConnecting
	case StateDegraded:
		return from == StateConnecting || from == StateSubscribed
	case StateFailed, StateClosed:
		return true
	default:
		return false
	}
}

// Open reports whether a channel in state s can still deliver events.
func (s State) Open() bool {
	return s == StateConnecting || s == StateSubscribed
}
