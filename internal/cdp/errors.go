package cdp

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrConnectionClosed is returned by every operation issued against a
	// closed client. Closed is terminal; callers must open a new connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolError is the sentinel wrapped by ProtocolError.
	ErrProtocolError = errors.New("protocol error")
)

// ProtocolError represents an error response from the browser engine for a
// specific command.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolError
}
