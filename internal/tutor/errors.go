package tutor

import (
	"errors"
	"fmt"
)

// ErrNoActiveSession is returned when an operation that requires a session is
// invoked with none present. It is always detected locally; no network call
// is made.
var ErrNoActiveSession = errors.New("no active session")

// NetworkError wraps a transport-level failure (connection refused, timeout).
// Retrying the same operation is safe.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BackendError is a structured failure returned by the tutoring backend for a
// request that did reach it.
type BackendError struct {
	Op      string
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: backend error: %s", e.Op, e.Message)
}

// SessionNotFoundError indicates the backend no longer knows the session id.
// The caller must discard its local session state and start fresh.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}

// IsSessionNotFound reports whether err (anywhere in its chain) indicates an
// unknown or expired session.
func IsSessionNotFound(err error) bool {
	var snf *SessionNotFoundError
	return errors.As(err, &snf)
}
