package transport

import (
	"errors"
	"fmt"

	"wcf-bridge/protocol"
)

var (
	// ErrClosed is returned by Call after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrBroken is wrapped in a ConnectionError when an earlier failure left the stream
	// in an unknown position. Without sequence ids a late reply cannot be told apart
	// from the answer to the next request, so the connection is not reused.
	ErrBroken = errors.New("transport: stream broken by an earlier failure")
)

// ConnectionError means the local RPC channel could not be established or was lost.
// It is fatal for the session that owns the transport.
type ConnectionError struct {
	Op   string // "dial", "connect", "write", "read" or "call"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError means a single call failed while the channel itself stayed usable,
// e.g. a payload that could not be encoded or a reply that could not be decoded.
type TransportError struct {
	Op  protocol.Opcode
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ErrRemote is wrapped in a TransportError when the module answered with an ERROR status.
var ErrRemote = errors.New("module returned error")
