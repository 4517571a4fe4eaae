package session

import "errors"

// State is the lifecycle phase of one voice session. Transitions only move
// forward: Idle → Connecting → Active → Ended. Ended is terminal; a new call
// builds a fresh Controller with fresh components.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Failure taxonomy. Both are fatal to the call and drive the same teardown
// path; the distinction only matters for what the caller reports.
var (
	// ErrAcquisition is a device permission or availability failure during
	// connect. Surfaces to the user, never retried.
	ErrAcquisition = errors.New("device acquisition failed")

	// ErrTransport is a connection failure while connecting or active. The
	// session is ended cleanly, never left half-open.
	ErrTransport = errors.New("transport failure")
)
