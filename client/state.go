package client

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Change describes one state transition. Err is set when the transition was
// caused by a failure (ErrReconnectExhausted, a transport error, an
// authentication error).
type Change struct {
	State          State
	FallbackActive bool
	Attempt        int
	Err            error
}
