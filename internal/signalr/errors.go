package signalr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a call is made while no connection is
	// established, including while reconnecting.
	ErrNotConnected = errors.New("hub connection is not connected")

	// ErrConnectionLost fails calls whose connection dropped before a
	// completion arrived.
	ErrConnectionLost = errors.New("hub connection lost")

	// ErrClosed fails calls still pending when the client is stopped.
	ErrClosed = errors.New("hub connection closed")
)

// HubError is a Completion that carried an error from the server.
type HubError struct {
	Target  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub method %s failed: %s", e.Target, e.Message)
}

// HandshakeError is returned when the server rejects the protocol handshake.
type HandshakeError struct {
	Message string
}

func (e *HandshakeError) Error() string {
	return "hub handshake rejected: " + e.Message
}

// CloseError reports a Close message sent by the server.
type CloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Message == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.Message
}

// NegotiateError is returned when the negotiate request fails or is refused.
type NegotiateError struct {
	StatusCode int
	Message    string
}

func (e *NegotiateError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("negotiate failed: %d %s", e.StatusCode, e.Message)
	}
	return "negotiate failed: " + e.Message
}
