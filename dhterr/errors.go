// Package dhterr defines the error kinds shared by the Mojito DHT packages.
//
// Callers test for a kind with errors.Is; context is attached either by
// wrapping with fmt.Errorf("%w: ...") or with an OpError.
package dhterr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates a malformed argument such as a KUID of the wrong kind
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidIdentifier indicates an identifier buffer of the wrong length
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrTimeout indicates no response arrived within the deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates an explicit shutdown or caller abandonment
	ErrCancelled = errors.New("operation cancelled")

	// ErrStoreConflict indicates the database trust rules rejected a value
	ErrStoreConflict = errors.New("store conflict")

	// ErrNoBootstrapHost indicates bootstrap had no seeds and no usable routing table
	ErrNoBootstrapHost = errors.New("no bootstrap host")

	// ErrBootstrapFailed indicates bootstrap hosts were tried but none responded
	ErrBootstrapFailed = errors.New("bootstrap failed")

	// ErrProtocol indicates a malformed or unexpected inbound message
	ErrProtocol = errors.New("protocol error")

	// ErrNotBound indicates the context has no transport yet
	ErrNotBound = errors.New("not bound")

	// ErrAlreadyRunning indicates Start was called twice
	ErrAlreadyRunning = errors.New("already running")
)

// OpError represents an error with the operation and remote address involved.
type OpError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("mojito %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("mojito %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError.
func NewOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
