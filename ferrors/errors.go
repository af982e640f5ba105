// Package ferrors implements the typed error taxonomy shared by every
// component of the execution fabric. Every terminal run, execution, or
// step failure carries one of the Kind values declared here so callers
// can distinguish retryable provider hiccups from permanent rejections
// without parsing error strings.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing, retry, and user-surface decisions.
type Kind string

const (
	// KindInvalidInput marks a config/DAG/file-path rejected by validation.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound marks a reference to a missing entity.
	KindNotFound Kind = "not_found"
	// KindConflict marks a concurrent update or an already-resolved request.
	KindConflict Kind = "conflict"
	// KindDeadlineExceeded marks a phase/sandbox/approval timeout.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindCancelled marks an explicit cancellation.
	KindCancelled Kind = "cancelled"
	// KindLLMFailed marks a provider error surfaced after retries are exhausted.
	KindLLMFailed Kind = "llm_failed"
	// KindSandboxFailed marks a non-zero exit, OOM, or runner error.
	KindSandboxFailed Kind = "sandbox_failed"
	// KindGitFailed marks any non-fatal git phase failure.
	KindGitFailed Kind = "git_failed"
	// KindBudgetExhausted marks a run that hit its cost cap.
	KindBudgetExhausted Kind = "budget_exhausted"
	// KindInternal marks an unclassified bug.
	KindInternal Kind = "internal"
)

// Error is the concrete error type returned by fabric components. It
// satisfies the standard error interface and exposes its cause to
// errors.Is/As through Unwrap; Kinds are compared with the package-level Is.
type Error struct {
	// Kind classifies the failure per the spec's taxonomy.
	Kind Kind
	// Op names the operation that failed (e.g. "task.RunTask", "workflow.StartExecution").
	Op string
	// Message is a human-readable, user-surfaceable description.
	Message string
	// Retryable indicates whether the caller may retry the operation as-is.
	Retryable bool
	// Details carries structured, implementation-specific context (never secrets).
	Details map[string]any
	// Err wraps the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with the given kind, operation, and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error wrapping an existing cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// WithDetails returns a copy of e with Details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// WithRetryable returns a copy of e with Retryable set.
func (e *Error) WithRetryable(r bool) *Error {
	cp := *e
	cp.Retryable = r
	return &cp
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not a *Error (or is nil, in which case the zero Kind is returned).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Retryable reports whether err is retryable, per the taxonomy's retry
// policy when err is not a *Error (llm_failed is the only internally
// retried kind; everything else defaults to non-retryable).
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
