package voice

import "fmt"

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cause says why a session ended.
type Cause int

const (
	// CauseStopped: the caller called Stop.
	CauseStopped Cause = iota + 1
	// CauseRemoteClosed: the model closed the session normally.
	CauseRemoteClosed
	// CauseTransportError: the connection failed while the session was active.
	CauseTransportError
	// CausePermissionDenied: the microphone could not be opened.
	CausePermissionDenied
	// CauseConnectFailed: the streaming session could not be opened.
	CauseConnectFailed
	// CauseOutputFailed: the speaker could not be opened.
	CauseOutputFailed
)

// String returns the cause as a snake_case label, suitable for metrics.
func (c Cause) String() string {
	switch c {
	case CauseStopped:
		return "stopped"
	case CauseRemoteClosed:
		return "remote_closed"
	case CauseTransportError:
		return "transport_error"
	case CausePermissionDenied:
		return "permission_denied"
	case CauseConnectFailed:
		return "connect_failed"
	case CauseOutputFailed:
		return "output_failed"
	default:
		return "unknown"
	}
}

// CloseReason is delivered exactly once per session through Config.OnClose.
type CloseReason struct {
	Cause Cause
	// Err is the underlying failure, nil for CauseStopped and
	// CauseRemoteClosed.
	Err error
}

// Abnormal reports whether the session ended because something failed.
func (r CloseReason) Abnormal() bool {
	return r.Cause != CauseStopped && r.Cause != CauseRemoteClosed
}

func (r CloseReason) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Cause, r.Err)
	}
	return r.Cause.String()
}
