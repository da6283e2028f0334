package types

import (
	"errors"
	"fmt"
)

var (
	ErrExists   = errors.New("artifact already exists")
	ErrDeferred = errors.New("minimization handed off")
)

// SetupError is fatal: the campaign never starts (or is aborted) and the process exits nonzero.
type SetupError struct {
	Reason string
	Err    error
}

func NewSetupError(reason string, err error) *SetupError {
	return &SetupError{Reason: reason, Err: err}
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return "setup: " + e.Reason
	}
	return fmt.Sprintf("setup: %s: %v", e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// RuntimeExecutionError is a spawn or wait failure in the middle of a run.
// The iteration is skipped.
type RuntimeExecutionError struct {
	Op  string // "spawn", "wait", "write"
	Err error
}

func (e *RuntimeExecutionError) Error() string {
	return fmt.Sprintf("%s target: %v", e.Op, e.Err)
}

func (e *RuntimeExecutionError) Unwrap() error { return e.Err }

// GeneratorError means the mutation engine failed, panicked or timed out.
type GeneratorError struct {
	Timeout bool
	Err     error
}

func (e *GeneratorError) Error() string {
	if e.Timeout {
		return "generator timed out"
	}
	return fmt.Sprintf("generator: %v", e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

type MinimizationError struct {
	Signature Signature
	Err       error
}

func (e *MinimizationError) Error() string {
	return fmt.Sprintf("minimize %s: %v", e.Signature.Short(), e.Err)
}

func (e *MinimizationError) Unwrap() error { return e.Err }

func IsSetupError(err error) bool {
	var setupErr *SetupError
	return errors.As(err, &setupErr)
}
