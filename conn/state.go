package conn

// State is the lifecycle state of a logical connection. It is owned by
// the Conn; other components observe it through the state callback.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateErrored
)

// String returns the lowercase name used in status events.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}
