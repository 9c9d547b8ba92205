// Package rtsperr defines the error taxonomy used across the RTSP server
// and the RTSP status code each kind maps to on the offending connection.
package rtsperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way section 7 of the design groups them.
type Kind int

const (
	// KindParse covers malformed RTSP requests or headers.
	KindParse Kind = iota
	KindAuth
	KindNotFound
	KindUnsupportedTransport
	KindSessionNotFound
	KindResourceExhausted
	KindTransportSend
	KindSourceClosed
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindUnsupportedTransport:
		return "unsupported_transport"
	case KindSessionNotFound:
		return "session_not_found"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTransportSend:
		return "transport_send"
	case KindSourceClosed:
		return "source_closed"
	case KindProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// StatusCode returns the RTSP response status code a Kind translates to.
func (k Kind) StatusCode() int {
	switch k {
	case KindParse:
		return 400
	case KindAuth:
		return 401
	case KindNotFound:
		return 404
	case KindUnsupportedTransport:
		return 461
	case KindSessionNotFound:
		return 454
	case KindResourceExhausted:
		return 500
	case KindProtocolViolation:
		return 500
	default:
		return 500
	}
}

// Error wraps an underlying cause with a Kind and is what handlers in
// internal/rtspserver translate into a status line.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ParseError(op string, err error) *Error            { return new_(KindParse, op, err) }
func AuthError(op string, err error) *Error              { return new_(KindAuth, op, err) }
func NotFound(op string, err error) *Error               { return new_(KindNotFound, op, err) }
func UnsupportedTransport(op string, err error) *Error   { return new_(KindUnsupportedTransport, op, err) }
func SessionNotFound(op string, err error) *Error        { return new_(KindSessionNotFound, op, err) }
func ResourceExhausted(op string, err error) *Error      { return new_(KindResourceExhausted, op, err) }
func TransportSendError(op string, err error) *Error     { return new_(KindTransportSend, op, err) }
func SourceClosed(op string, err error) *Error           { return new_(KindSourceClosed, op, err) }
func ProtocolViolation(op string, err error) *Error      { return new_(KindProtocolViolation, op, err) }

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. ok is false for plain errors, in which case callers should treat
// the failure as a 500.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// StatusCode returns the RTSP status code to send for err, defaulting to
// 500 if err is not a classified *Error.
func StatusCode(err error) int {
	if k, ok := KindOf(err); ok {
		return k.StatusCode()
	}
	return 500
}
