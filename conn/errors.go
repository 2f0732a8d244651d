package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates an operation was attempted on a
	// connection that is not in the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed indicates the connection was closed while the
	// operation was pending or before it was issued.
	ErrClosed = errors.New("connection closed")

	// ErrTimeout indicates connection establishment timed out.
	ErrTimeout = errors.New("connect timeout")
)

// ConnectionError is a connection-level failure: dial, TLS handshake,
// authentication or database selection. It is fatal to the whole
// connection and fans out to every pending request.
type ConnectionError struct {
	Addr string
	Op   string // "dial", "tls", "auth", "select", "read", "write"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s %s): %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports bytes that do not parse as RESP. The stream
// can no longer be trusted, so the connection is torn down.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
