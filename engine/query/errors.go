package query

import (
	"errors"
	"fmt"

	"github.com/spicemcp/spice/engine/dune"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown upstream.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrReadOnly is returned when a mutating statement is submitted with the read-only guard on.
	ErrReadOnly = errors.New("statement is not read-only")
)

// ValidationError is a caller mistake detected before any I/O.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ExecutionError is a transport or API failure while starting, polling or fetching.
type ExecutionError struct {
	Op         string
	Transient  bool
	StatusCode int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// RemoteFailure describes an execution that reached a failed state upstream.
// It is carried on Execution rather than returned from Run.
type RemoteFailure struct {
	ExecutionID string
	State       dune.ExecutionState
	Message     string
}

func (e *RemoteFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("execution %s ended in %s", e.ExecutionID, e.State)
	}
	return fmt.Sprintf("execution %s ended in %s: %s", e.ExecutionID, e.State, e.Message)
}

func newExecutionError(op string, err error) error {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	if errors.Is(err, dune.ErrMissingAPIKey) {
		return &ExecutionError{Op: op, Err: err}
	}
	return &ExecutionError{
		Op:         op,
		Transient:  dune.IsTransient(err),
		StatusCode: dune.StatusCode(err),
		Err:        err,
	}
}
