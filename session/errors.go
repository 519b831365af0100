package session

import (
	"errors"
	"fmt"

	"wcf-bridge/protocol"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNotConnected is returned before Connect succeeds or after the connection was lost.
	ErrNotConnected = errors.New("session: not connected")
	// ErrNotReceiving is returned by NextMessage while receiving is disabled.
	ErrNotReceiving = errors.New("session: receiving not enabled")

	errEmpty = errors.New("session: no message")
)

// ValidationError rejects malformed arguments before any RPC is issued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusError is a well-formed reply whose status field reports failure.
type StatusError struct {
	Op   protocol.Opcode
	Code int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Op, e.Code)
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
