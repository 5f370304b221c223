// Package errs defines the error kinds surfaced by the gateway core.
// Every failure that crosses a component boundary is tagged with a Kind so
// the API layer can map it to an HTTP status without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindConfig         Kind = "config_error"
	KindTransport      Kind = "transport_error"
	KindProtocol       Kind = "protocol_error"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindTool           Kind = "tool_error"
	KindUnknownTool    Kind = "unknown_tool"
	KindNotConnected   Kind = "not_connected"
	KindNotProvisioned Kind = "not_provisioned"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindDiscovery      Kind = "discovery_error"
)

// Error is a kind-tagged error. It wraps an underlying cause when one exists.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and context message.
// Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, walking the wrap chain.
// Untagged errors report KindTransport if they are not nil, since transport
// failures are the only ones produced outside this package's vocabulary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// IsKind reports whether the outermost kind-tagged error in err's chain has
// the given kind, which is the kind KindOf reports. Untagged errors match no kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Detail returns the human-readable message for err, preferring the tagged
// message over the full chain string.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Msg
	}
	return err.Error()
}
