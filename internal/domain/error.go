package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrAlreadyClaimed      = errors.New("entity already claimed by another run")
	ErrTerminalState       = errors.New("entity is in a terminal state")
	ErrInvalidExecContext  = errors.New("invalid executor context")
	ErrReadDatabaseRow     = errors.New("failed to read database row")
	ErrLockNotAcquired     = errors.New("lock not acquired")
	ErrProviderUnavailable = errors.New("ai provider unreachable")
)

// ValidationError rejects malformed input before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// TransportError wraps a failed provider call (upload, submit, poll, download).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// LayerCallError records a failed or unparseable analysis layer call.
// The item stays eligible for a later retry.
type LayerCallError struct {
	Layer string
	Err   error
}

func (e *LayerCallError) Error() string { return fmt.Sprintf("layer %s: %v", e.Layer, e.Err) }
func (e *LayerCallError) Unwrap() error { return e.Err }
