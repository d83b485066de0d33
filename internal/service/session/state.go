// Package session holds live transcription sessions and their lifecycle.
package session

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateUnjoined - No join has been accepted for the session id.
	StateUnjoined State = iota
	// StateJoined - Joined, no audio accepted yet.
	StateJoined
	// StateStreaming - At least one audio submission accepted.
	StateStreaming
	// StateEnded - Ended by the client, a disconnect or the idle reaper.
	// This is a terminal state.
	StateEnded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "UNJOINED"
	case StateJoined:
		return "JOINED"
	case StateStreaming:
		return "STREAMING"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateEnded
}

// AcceptsAudio returns true if audio submissions are allowed.
func (s State) AcceptsAudio() bool {
	return s == StateJoined || s == StateStreaming
}

// Errors for lookups and invalid transitions.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrNotOwner        = errors.New("session owned by another connection")
)
