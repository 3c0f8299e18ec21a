// ABOUTME: Session-level error taxonomy for attachment lifecycle operations.
// ABOUTME: Distinguishes contention on a pair from operations on detached pairs.

package session

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes session attachment failures.
type ErrorKind string

const (
	// AttachmentLockBusy means another lifecycle operation on the same
	// (session, connector) pair is in flight.
	AttachmentLockBusy ErrorKind = "attachment_lock_busy"

	// AlreadyDetached means the pair has no attachment to operate on.
	AlreadyDetached ErrorKind = "already_detached"
)

// Error is a session attachment failure.
type Error struct {
	Kind        ErrorKind
	SessionID   string
	ConnectorID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s connector %s: %s", e.SessionID, e.ConnectorID, e.Kind)
}

// KindOf extracts the session error kind, or "" for other errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
