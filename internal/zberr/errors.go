// Package zberr defines the error kinds shared across ZbTunnel's core
// components (spec.md §7). Each Kind carries a fixed failure policy; the
// policy itself is enforced by the caller (chain build, connection, tunnel),
// not by this package.
package zberr

import "fmt"

// Kind identifies the class of failure a core component raised.
type Kind string

// Error kinds, named exactly as in spec.md §7.
const (
	ConfigMissingField   Kind = "ConfigMissingField"
	UnsupportedTransport Kind = "UnsupportedTransport"
	UnsupportedMethod    Kind = "UnsupportedMethod"
	BadAddress           Kind = "BadAddress"
	ResolverFailed       Kind = "ResolverFailed"
	ProtocolNotSupported Kind = "ProtocolNotSupported"
	PermissionDenied     Kind = "PermissionDenied"
	NoBufferSpace        Kind = "NoBufferSpace"
	OperationInProgress  Kind = "OperationInProgress"
	HostMissing          Kind = "HostMissing"
	PortMissing          Kind = "PortMissing"
	TransportMissing     Kind = "TransportMissing"
	TransportIO          Kind = "TransportIO"
)

// Error is a ZbTunnel core error: a Kind plus a human-readable reason and an
// optional wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an *Error with a formatted reason.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, reason, and wrapped cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}
