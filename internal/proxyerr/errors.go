// Package proxyerr defines the proxy's structured error responses and the
// classification of dial/IO failures into those responses, per the
// disposition table in spec.md §7.
package proxyerr

import (
	"context"
	"errors"
	"net/http"
	"os"
)

// ProxyError is a structured error response the proxy writes to the client
// instead of proxying an origin's reply.
type ProxyError struct {
	HTTPCode int
	Reason   string // short machine-readable code; not sent to the client
	Message  string // plain-text HTML body
}

func (e *ProxyError) Error() string {
	return e.Message
}

// Predefined proxy errors aligned with spec.md §6/§7.
var (
	ErrHeadTooLarge = &ProxyError{
		HTTPCode: http.StatusBadRequest,
		Reason:   "HEAD_TOO_LARGE",
		Message:  "Request head exceeded the maximum size",
	}
	ErrMalformedRequest = &ProxyError{
		HTTPCode: http.StatusBadRequest,
		Reason:   "MALFORMED_REQUEST",
		Message:  "Malformed HTTP request",
	}
	ErrVersionUnsupported = &ProxyError{
		HTTPCode: http.StatusHTTPVersionNotSupported,
		Reason:   "VERSION_UNSUPPORTED",
		Message:  "HTTP version not supported",
	}
	ErrHeadTimeout = &ProxyError{
		HTTPCode: http.StatusRequestTimeout,
		Reason:   "HEAD_TIMEOUT",
		Message:  "Timed out reading request head",
	}
	ErrBlocked = &ProxyError{
		HTTPCode: http.StatusForbidden,
		Reason:   "BLOCKED",
		Message:  "Target is blocked by proxy policy",
	}
	ErrAuthRequired = &ProxyError{
		HTTPCode: http.StatusProxyAuthRequired,
		Reason:   "AUTH_REQUIRED",
		Message:  "Proxy authentication required",
	}
	ErrAuthFailed = &ProxyError{
		HTTPCode: http.StatusProxyAuthRequired,
		Reason:   "AUTH_FAILED",
		Message:  "Proxy authentication failed",
	}
	ErrDialFailed = &ProxyError{
		HTTPCode: http.StatusBadGateway,
		Reason:   "DIAL_FAILED",
		Message:  "Failed to connect to upstream",
	}
	ErrDialTimeout = &ProxyError{
		HTTPCode: http.StatusBadGateway,
		Reason:   "DIAL_TIMEOUT",
		Message:  "Timed out connecting to upstream",
	}
	ErrInternal = &ProxyError{
		HTTPCode: http.StatusInternalServerError,
		Reason:   "INTERNAL_ERROR",
		Message:  "Internal proxy error",
	}
)

// Body renders the small HTML body spec.md §6 shows for error responses.
func (e *ProxyError) Body() []byte {
	return []byte("<html><body><h1>" + http.StatusText(e.HTTPCode) + "</h1><p>" + e.Message + "</p></body></html>")
}

// ClassifyDialError maps a dial-phase error (Tunneling §4.6 state 4,
// Forwarding §4.6 state 5) to the appropriate ProxyError. Returns nil for
// context.Canceled, which the handler treats as ClientGone rather than a
// loggable upstream failure (spec.md §7).
func ClassifyDialError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrDialTimeout
	}
	return ErrDialFailed
}
