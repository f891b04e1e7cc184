package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("device not connected")
	ErrInvalidState    = errors.New("invalid device state")
	ErrUnsupported     = errors.New("command not supported by transport")
	ErrAlreadyBound    = errors.New("session already connected to another address")
	ErrMissingSubject  = errors.New("subject id is required")
	ErrNotAcknowledged = errors.New("device did not acknowledge")
	ErrSubjectNotFound = errors.New("subject not enrolled on device")
)

// ConnectError is returned when the initial probe fails.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to device at %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NotConnectedError is returned by operations that need an active connection.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, ErrNotConnected)
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected
}

// InvalidStateError is returned when an operation needs a specific mode.
type InvalidStateError struct {
	Op        string
	Required  Mode
	Connected bool
	Actual    Mode
}

func (e *InvalidStateError) Error() string {
	if !e.Connected {
		return fmt.Sprintf("%s: %v: requires connected/%s, session is disconnected", e.Op, ErrInvalidState, e.Required)
	}
	return fmt.Sprintf("%s: %v: requires mode %s, current mode is %s", e.Op, ErrInvalidState, e.Required, e.Actual)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// TransportError wraps a network or serial failure after the connection was established.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was the call deadline expiring.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ParseError reports a malformed device response or payload.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// wrapTransport keeps already typed errors and wraps everything else as a
// TransportError for op.
func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var parseErr *ParseError
	var transportErr *TransportError
	if errors.As(err, &parseErr) || errors.As(err, &transportErr) ||
		errors.Is(err, ErrUnsupported) || errors.Is(err, ErrSubjectNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransportError{Op: op, Err: err}
}
