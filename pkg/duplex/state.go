package duplex

// State is the stream lifecycle state.
type State int32

const (
	// StateHandshaking indicates the engine handshake is in progress.
	StateHandshaking State = iota

	// StateEstablished indicates data can flow both ways.
	StateEstablished

	// StateClosingLocal indicates Shutdown sent the close notification and
	// is waiting for the transport to drain.
	StateClosingLocal

	// StateClosingRemote indicates the peer closed its sending direction.
	// Reads return io.EOF; writes still work.
	StateClosingRemote

	// StateClosed indicates a completed Shutdown.
	StateClosed

	// StateFaulted indicates a fatal protocol or transport error.
	StateFaulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosingLocal:
		return "CLOSING_LOCAL"
	case StateClosingRemote:
		return "CLOSING_REMOTE"
	case StateClosed:
		return "CLOSED"
	case StateFaulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// canWrite reports whether write requests are accepted in s.
func (s State) canWrite() bool {
	return s == StateHandshaking || s == StateEstablished || s == StateClosingRemote
}
