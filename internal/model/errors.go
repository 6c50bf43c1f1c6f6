package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Lower layers wrap these with
// fmt.Errorf("...: %w", ...) and callers test with errors.Is.
var (
	// ErrPoolExhausted indicates that no free port is left in the range.
	// The caller must back off or widen the range.
	ErrPoolExhausted = errors.New("port pool exhausted")

	// ErrLockTimeout indicates that the state lock could not be acquired
	// before the deadline. The caller may retry.
	ErrLockTimeout = errors.New("lock contention: timed out acquiring state lock")

	// ErrCorruptState marks a state file that failed to parse or validate.
	// It never reaches the facade's callers: load rebuilds the state instead.
	ErrCorruptState = errors.New("corrupt state file")

	// ErrNotFound indicates that a requested backup does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotRunning indicates an operation attempted after Stop.
	ErrNotRunning = errors.New("allocator is not running")

	// ErrInvalidConfig indicates invalid construction parameters.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidPort indicates a caller-supplied port outside the range.
	ErrInvalidPort = errors.New("port outside configured range")
)

// ExitCode defines the CLI exit codes. These codes allow scripts and CI
// systems to tell "pool exhausted" apart from "lock contention".
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitInvalidConfig indicates the configuration or flags were invalid.
	ExitInvalidConfig ExitCode = 2

	// ExitPoolExhausted indicates no free port was left in the range.
	ExitPoolExhausted ExitCode = 3

	// ExitLockTimeout indicates the state lock could not be acquired in time.
	ExitLockTimeout ExitCode = 4

	// ExitNotFound indicates a requested backup does not exist.
	ExitNotFound ExitCode = 5

	// ExitNotRunning indicates the allocator had already been stopped.
	ExitNotRunning ExitCode = 6

	// ExitDockerUnavailable indicates the docker probe could not reach a
	// Docker daemon.
	ExitDockerUnavailable ExitCode = 7
)

// ExitCodeFor maps an error from the allocator stack onto an exit code.
func ExitCodeFor(err error) ExitCode {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrPoolExhausted):
		return ExitPoolExhausted
	case errors.Is(err, ErrLockTimeout):
		return ExitLockTimeout
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrNotRunning):
		return ExitNotRunning
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidPort):
		return ExitInvalidConfig
	default:
		return ExitGeneralError
	}
}

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
