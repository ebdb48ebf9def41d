package events

import (
	"errors"
	"fmt"
)

// Wire codes carried in ErrorPayload and HTTP error bodies.
const (
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
)

var (
	// ErrReconnectExhausted is reported when the reconnection budget runs out.
	// It is surfaced as a state change, never returned from Emit.
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")

	// ErrServerClosed marks a close initiated by the server. The client does
	// not auto-reconnect after it.
	ErrServerClosed = errors.New("connection closed by server")
)

// AuthenticationError rejects a handshake. It is fatal for the connection
// attempt and never retried.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError is a network level failure. Retried with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unrecognized event. The event is dropped,
// the connection stays up.
type ProtocolError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"

	if e.Kind != "" {
		msg += " (" + string(e.Kind) + ")"
	}

	msg += ": " + e.Reason

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AdapterUnavailableError means cross-process fan-out is down and the
// router is running single-process.
type AdapterUnavailableError struct {
	Adapter string
	Err     error
}

func (e *AdapterUnavailableError) Error() string {
	return fmt.Sprintf("%s adapter unavailable: %v", e.Adapter, e.Err)
}

func (e *AdapterUnavailableError) Unwrap() error { return e.Err }

func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func IsProtocol(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}
