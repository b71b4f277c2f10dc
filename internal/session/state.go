package session

import "errors"

// State is the lifecycle state of a [Controller].
//
//	Idle --Start--> Connecting --channel open--> Active --Stop|Closed|Error--> Terminated
//
// Terminated is final; a new session needs a new Controller.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateTerminated
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrStopped is returned by Start when Stop was called while the channel
	// was still connecting.
	ErrStopped = errors.New("session: stopped while connecting")

	// ErrIdleTimeout is the cause reported when no inbound event arrived
	// within the configured idle timeout.
	ErrIdleTimeout = errors.New("session: idle timeout")
)

// Termination reasons passed to OnClosed for controller-initiated ends.
const (
	ReasonStopped     = "stopped"
	ReasonIdleTimeout = "idle timeout"
	ReasonMaxDuration = "session duration limit reached"
)
