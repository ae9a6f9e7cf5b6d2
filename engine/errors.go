package engine

import (
	"errors"
	"fmt"
)

// ErrRetryExhausted marks a failed session past its retry budget.
// Callers must start a new session.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// ValidationError indicates missing or incoherent upstream data, e.g.
// context assembly finds no prior phase result. The session is not mutated.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NewValidationError creates a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ParseError indicates the LLM output did not match the expected structure.
// The raw content is never substituted with a default.
type ParseError struct {
	Phase int
	Step  string
	err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse phase %d %s result: %v", e.Phase, e.Step, e.err)
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// NewParseError wraps a structure mismatch for a phase step.
func NewParseError(phase int, step string, err error) error {
	return &ParseError{Phase: phase, Step: step, err: err}
}

// IsParse returns true if the error is a ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// UpstreamError indicates the completion client or an execute handler failed.
type UpstreamError struct {
	Phase int
	Step  string
	err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream phase %d %s: %v", e.Phase, e.Step, e.err)
}

func (e *UpstreamError) Unwrap() error {
	return e.err
}

// NewUpstreamError wraps an external call failure for a phase step.
func NewUpstreamError(phase int, step string, err error) error {
	return &UpstreamError{Phase: phase, Step: step, err: err}
}

// IsUpstream returns true if the error is an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
