// Package errors provides structured error types for swarm.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for swarm.
const (
	// Initialization errors
	CodeNotInitialized     Code = "SWARM_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "SWARM_ALREADY_INITIALIZED"

	// Task errors
	CodeTaskNotFound   Code = "TASK_NOT_FOUND"
	CodeTaskNotPending Code = "TASK_NOT_PENDING"
	CodeTaskBlocked    Code = "TASK_BLOCKED"
	CodeNotOwner       Code = "NOT_OWNER"

	// Store errors
	CodeLockContended Code = "LOCK_CONTENDED"
	CodeStateCorrupt  Code = "STATE_CORRUPT"

	// External tool errors
	CodeToolNotFound    Code = "TOOL_NOT_FOUND"
	CodeToolTimeout     Code = "TOOL_TIMEOUT"
	CodeToolRateLimited Code = "TOOL_RATE_LIMITED"

	// Planner errors
	CodeNoTaskBlock Code = "PLANNER_NO_TASK_BLOCK"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// SwarmError is the structured error type for swarm.
type SwarmError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *SwarmError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SwarmError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *SwarmError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n  Why: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n  Fix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// New creates a SwarmError with the given code and message.
func New(code Code, what string) *SwarmError {
	return &SwarmError{Code: code, What: what}
}

// Newf creates a SwarmError with a formatted message.
func Newf(code Code, format string, args ...any) *SwarmError {
	return &SwarmError{Code: code, What: fmt.Sprintf(format, args...)}
}

// Wrap creates a SwarmError wrapping a cause.
func Wrap(code Code, what string, cause error) *SwarmError {
	return &SwarmError{Code: code, What: what, Cause: cause}
}

// WithWhy attaches an explanation and returns the error.
func (e *SwarmError) WithWhy(why string) *SwarmError {
	e.Why = why
	return e
}

// WithFix attaches a suggested fix and returns the error.
func (e *SwarmError) WithFix(fix string) *SwarmError {
	e.Fix = fix
	return e
}

// CodeOf extracts the Code from an error chain, or "" if none.
func CodeOf(err error) Code {
	var se *SwarmError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
