// ABOUTME: Typed connection error taxonomy for connector handshakes and tool calls.
// ABOUTME: Each kind is surfaced distinctly so callers can give actionable feedback.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
)

// ErrorKind classifies a connection failure.
type ErrorKind string

const (
	// Unreachable means the server could not be reached at all: the process
	// failed to start, or the network dial failed.
	Unreachable ErrorKind = "unreachable"

	// AuthRejected means the server was reached but rejected the credentials.
	AuthRejected ErrorKind = "auth_rejected"

	// ProtocolMismatch means the server responded, but not with a valid
	// tool-list or tool-call shape.
	ProtocolMismatch ErrorKind = "protocol_mismatch"

	// Timeout means the bounded deadline elapsed before the server answered.
	Timeout ErrorKind = "timeout"
)

// ConnectError is a classified failure talking to a tool server.
type ConnectError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect error: %s", e.Kind)
	}
	return fmt.Sprintf("connect error (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError wraps err with the given kind.
func NewConnectError(kind ErrorKind, err error) *ConnectError {
	return &ConnectError{Kind: kind, Err: err}
}

// KindOf extracts the error kind from err, or "" if err is not a ConnectError.
func KindOf(err error) ErrorKind {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// classify maps low-level transport failures onto the taxonomy. Deadline
// expiry always wins so callers see Timeout rather than a wrapped net error.
func classify(err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectError(Timeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewConnectError(Timeout, err)
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return NewConnectError(Unreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewConnectError(Unreachable, err)
	}
	return NewConnectError(Unreachable, err)
}
