package subscriber

// State is the position of the subscribe loop in its lifecycle.
type State uint8

const (
	// StateIdle means nothing is subscribed or the loop was suspended.
	StateIdle State = iota

	// StateAwaitingFirstResponse means a long-poll with a zero cursor is in
	// flight.
	StateAwaitingFirstResponse

	// StateStreaming means the loop is polling from a known cursor.
	StateStreaming

	// StateReconnecting means the last call failed and a retry is scheduled.
	StateReconnecting

	// StateStopped is entered on UnsubscribeAll or Close.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingFirstResponse:
		return "AWAITING_FIRST_RESPONSE"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// active reports whether the client is, or is trying to be, subscribed.
func (s State) active() bool {
	return s == StateAwaitingFirstResponse || s == StateStreaming || s == StateReconnecting
}
