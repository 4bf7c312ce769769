//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package ferrors provides the structured error type used across flowpilot's
// decision pipeline. Every error that crosses a component boundary carries a
// [Kind] (for HTTP status mapping) and one or more reason codes (for the
// AuthZEN-shaped response body), instead of a bare error string.
package ferrors

import "fmt"

// Kind classifies an error for transport-level handling. See SPEC_FULL.md §7.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	NotFound           Kind = "not_found"
	Unauthenticated    Kind = "unauthenticated"
	PermissionDenied   Kind = "permission_denied"
	StorageError       Kind = "storage_error"
	UpstreamError      Kind = "upstream_error"
	RateOrSizeExceeded Kind = "rate_or_size_exceeded"
)

// Error is the structured error returned by every flowpilot package instead
// of a bare error, so that reason codes survive all the way to the AuthZEN
// response.
type Error struct {
	Kind         Kind
	ReasonCode   string
	Reason       string
	ReasonCodes  []string
	Advice       []map[string]any
	wrapped      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s)", e.Reason, e.ReasonCode)
	}
	return string(e.ReasonCode)
}

// Unwrap allows errors.Is/errors.As to see through to a wrapped cause.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates an [Error] with a single reason code.
func New(kind Kind, reasonCode, msg string) *Error {
	return &Error{Kind: kind, ReasonCode: reasonCode, Reason: msg, ReasonCodes: []string{reasonCode}}
}

// Wrap attaches kind/reasonCode context to an underlying error, preserving it
// for errors.Is/errors.As.
func Wrap(err error, kind Kind, reasonCode string) *Error {
	return &Error{Kind: kind, ReasonCode: reasonCode, Reason: err.Error(), ReasonCodes: []string{reasonCode}, wrapped: err}
}

// Deny builds a PermissionDenied error carrying the full reason-code/advice
// set the rule engine returned, for direct passthrough into an AuthZEN
// response.
func Deny(reasonCodes []string, advice []map[string]any) *Error {
	return &Error{Kind: PermissionDenied, ReasonCode: firstOr(reasonCodes, "authz.denied"), ReasonCodes: reasonCodes, Advice: advice}
}

func firstOr(codes []string, def string) string {
	if len(codes) == 0 {
		return def
	}
	return codes[0]
}

// KindOf returns err's Kind when err is itself an *[Error]; it does not
// unwrap, so an *Error wrapped inside another error reports ok=false.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if e, ok := err.(*Error); ok {
		fe = e
		return fe.Kind, true
	}
	return "", false
}
