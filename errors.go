package rediscope

import (
	"errors"

	"github.com/rediscope/rediscope/conn"
)

// Error types for specific failure scenarios
var (
	// ErrNotConnected indicates an operation was attempted before Connect
	ErrNotConnected = conn.ErrNotConnected

	// ErrClosed indicates the client has been destroyed
	ErrClosed = conn.ErrClosed

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyCommand indicates a command line with no arguments; it is
	// rejected before touching the network
	ErrEmptyCommand = errors.New("empty command")
)
