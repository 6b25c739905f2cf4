// Package rerrors defines the unified error taxonomy used by the router and
// realtime pipeline: TransientExternal, ClientProtocol, PolicyViolation,
// Fatal, and Fallback.
package rerrors

import "fmt"

// Kind is the semantic error category. It drives retry/log/propagation
// policy; it is never surfaced to end clients directly.
type Kind string

const (
	// TransientExternal covers KV timeouts and transport send failures.
	// Idempotent reads retry with backoff; writes are attempted once.
	TransientExternal Kind = "transient_external"

	// ClientProtocol covers malformed inbound frames or missing envelope
	// fields. The frame is dropped; the connection stays open.
	ClientProtocol Kind = "client_protocol"

	// PolicyViolation covers a tenant exceeding quota as reported by an
	// external billing collaborator. Biases future routing down-tier.
	PolicyViolation Kind = "policy_violation"

	// Fatal covers startup failures: KV unreachable, metrics registry bind
	// failure. The process must not start.
	Fatal Kind = "fatal"

	// Fallback covers any uncaught error inside routing; the orchestrator
	// substitutes a default decision instead of propagating it.
	Fallback Kind = "fallback"
)

// Error is the standard error value carried across component boundaries.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Component, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, component, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

// Transient constructs a TransientExternal error, marking it retryable.
func Transient(component, message string, err error) *Error {
	return &Error{Kind: TransientExternal, Component: component, Message: message, Err: err, Retryable: true}
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	re, ok := err.(*Error)
	if !ok {
		return false
	}
	return re.Kind == kind
}
