// Package ferrors defines the typed error values the proxy fabric's core
// produces, mirroring the error-kind table in the design spec. Call sites
// use errors.Is/errors.As against these sentinels instead of matching
// strings, and HTTP-facing code (the CS ingress) maps them to status codes
// without needing to know which internal component raised them.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories observable inside the core.
// it is a named string type (not a plain string) so the compiler rejects
// typos at the few call sites that switch on it, the same reasoning the
// corvus control plane applies to its DeploymentStatus/SourceType types.
type Kind string

const (
	// KindChannelSaturation means the CS pool has no free data channel.
	// surfaces as 503 Service Unavailable with Retry-After: 1.
	KindChannelSaturation Kind = "channel_saturation"

	// KindAllocationTimeout means the CS asked the ES to allocate a
	// channel but no ChannelAllocated/Error arrived within 10s.
	// surfaces as 502 Bad Gateway.
	KindAllocationTimeout Kind = "allocation_timeout"

	// KindControlChannelDown means the control channel is not currently
	// connected. fresh requests see saturation if no channel can be
	// allocated without it; the supervisor handles reconnection.
	KindControlChannelDown Kind = "control_channel_down"

	// KindFrameParseError means a control-channel frame's JSON did not
	// parse or named an unknown message type. the frame is dropped; the
	// connection is NOT torn down.
	KindFrameParseError Kind = "frame_parse_error"

	// KindHTTPParseError means the HTTP/1.1 head or body on a data
	// channel could not be parsed.
	KindHTTPParseError Kind = "http_parse_error"

	// KindSocketWriteFailure means a write to a TCP socket failed
	// outright (as opposed to timing out).
	KindSocketWriteFailure Kind = "socket_write_failure"

	// KindResponseTimeout means the CS response reader waited past the
	// 10-minute deadline for a response to finish.
	KindResponseTimeout Kind = "response_timeout"

	// KindObjectStoreFailure means the ES's object-store adapter itself
	// returned an error reaching the backend (not a 4xx/5xx from it,
	// which is forwarded as-is per spec and is not an error at this
	// layer).
	KindObjectStoreFailure Kind = "object_store_failure"
)

// Error wraps an underlying cause with a Kind so that callers can recover
// the category via errors.As without parsing message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error carrying an underlying cause. if cause is
// already an *Error of the same kind, it is returned unwrapped rather than
// double-wrapped, so a Kind survives being passed up through several
// layers without accumulating redundant wrapper text.
func Wrap(kind Kind, message string, cause error) *Error {
	var existing *Error
	if errors.As(cause, &existing) && existing.Kind == kind {
		return existing
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. the zero Kind ("") is returned otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
