// internal/transport/errors.go
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Subscribe, Unsubscribe and Publish outside the
	// Connected state. Nothing is buffered.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected is returned by Connect while connecting or connected.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// ConnectionFailedError is the reason of an EventConnectionFailed.
type ConnectionFailedError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Err
}

// BrokerError is a STOMP ERROR frame. The broker closes the connection after sending it.
type BrokerError struct {
	Message string
	Detail  string
}

func (e *BrokerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("broker error: %s", e.Message)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Message, e.Detail)
}
