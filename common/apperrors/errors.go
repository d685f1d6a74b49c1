// Package apperrors defines the error taxonomy shared by the store, compiler,
// scheduler and HTTP layers. Failures are classified by Kind (a string enum)
// rather than by concrete type so they survive JSON round-trips into run
// records and event payloads.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry decisions and HTTP mapping.
type Kind string

const (
	KindValidation             Kind = "Validation"
	KindNotFound               Kind = "NotFound"
	KindVersionMismatch        Kind = "VersionMismatch"
	KindRegistryBindingMissing Kind = "RegistryBindingMissing"
	KindTimeout                Kind = "Timeout"
	KindCancelled              Kind = "Cancelled"
	KindBudgetExceeded         Kind = "BudgetExceeded"
	KindAgentExhausted         Kind = "AgentExhausted"
	KindNonConvergent          Kind = "NonConvergent"
	KindCodeResourceExceeded   Kind = "CodeResourceExceeded"
	KindToolExecution          Kind = "ToolExecution"
	KindLLMProvider            Kind = "LLMProvider"
	KindInternal               Kind = "Internal"
)

// Error is the single concrete error carried across the engine.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// NodeID is set when the failure is attributable to one node.
	NodeID string `json:"failing_node_id,omitempty"`

	// Attempts records how many executor attempts were consumed before
	// the failure became terminal.
	Attempts int `json:"attempts,omitempty"`

	// Details carries structured payloads such as the per-offense list
	// from the validator or the budget estimate.
	Details any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Kind, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithNode returns a copy of the error attributed to nodeID.
func (e *Error) WithNode(nodeID string) *Error {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// WithAttempts returns a copy of the error annotated with the attempt count.
func (e *Error) WithAttempts(n int) *Error {
	cp := *e
	cp.Attempts = n
	return &cp
}

// WithDetails returns a copy of the error carrying a structured payload.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// KindOf extracts the Kind from any error. Unclassified errors are Internal;
// context cancellation and deadline errors map to Cancelled and Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether a node failure of this kind should be fed back
// into the node's retry policy. Structural and budget failures are final.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindToolExecution, KindLLMProvider, KindInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status code of the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindVersionMismatch:
		return http.StatusConflict
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
