package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable classification attached to every error the hub
// surfaces. Kinds are part of the public contract: the dispatcher copies them
// into MCP error data and the admin API maps them to HTTP status codes, so
// their string values must never change.
type ErrorKind string

const (
	// KindConfig indicates an invalid settings value. Surfaced on save; the
	// offending change is rejected and no reconcile happens.
	KindConfig ErrorKind = "config"

	// KindNotFound indicates an unknown server, tool, group, or session.
	KindNotFound ErrorKind = "not-found"

	// KindUnauthorized indicates a bearer or JWT failure.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindForbidden indicates a readonly violation or a disabled route.
	KindForbidden ErrorKind = "forbidden"

	// KindTransport indicates an upstream I/O failure. The connector retries
	// in the background; the request that hit it fails once.
	KindTransport ErrorKind = "transport"

	// KindTimeout indicates a deadline expired. The connector stays connected.
	KindTimeout ErrorKind = "timeout"

	// KindUpstream indicates a protocol-level error reported by the upstream,
	// surfaced verbatim.
	KindUpstream ErrorKind = "upstream"

	// KindSchema indicates an invalid OpenAPI document or JSON schema. The
	// connector stays disconnected until the document is fixed.
	KindSchema ErrorKind = "schema"

	// KindInternal indicates an unexpected failure. Logged and returned as
	// 500; the process survives.
	KindInternal ErrorKind = "internal"
)

// UpstreamError is the typed error every layer of the hub returns instead of
// raw transport or protocol errors. Connectors never panic or pass foreign
// errors upward; they wrap them here so the dispatcher and the admin API can
// map the Kind without string matching.
type UpstreamError struct {
	// Server is the upstream server name the error originated from. Empty for
	// errors raised by the hub itself (config validation, auth).
	Server string

	// Kind is the stable classification (see ErrorKind constants).
	Kind ErrorKind

	// Message is the human-readable description. For KindUpstream it carries
	// the upstream's own message verbatim.
	Message string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s: %s: %s", e.Server, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewUpstreamError creates an UpstreamError with an explicit kind.
func NewUpstreamError(server string, kind ErrorKind, message string) *UpstreamError {
	return &UpstreamError{Server: server, Kind: kind, Message: message}
}

// Convenience constructors for the kinds that appear throughout the codebase.
var (
	// NewConfigError reports an invalid settings value.
	NewConfigError = func(format string, args ...interface{}) *UpstreamError {
		return &UpstreamError{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
	}

	// NewNotFoundError reports an unknown server, tool, group, or session.
	NewNotFoundError = func(format string, args ...interface{}) *UpstreamError {
		return &UpstreamError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
	}

	// NewUnauthorizedError reports an authentication failure.
	NewUnauthorizedError = func(message string) *UpstreamError {
		return &UpstreamError{Kind: KindUnauthorized, Message: message}
	}

	// NewForbiddenError reports a readonly violation or a disabled route.
	NewForbiddenError = func(message string) *UpstreamError {
		return &UpstreamError{Kind: KindForbidden, Message: message}
	}

	// NewInternalError wraps an unexpected failure.
	NewInternalError = func(err error) *UpstreamError {
		return &UpstreamError{Kind: KindInternal, Message: err.Error()}
	}
)

// NewTransportError wraps an upstream I/O failure for the given server.
func NewTransportError(server string, err error) *UpstreamError {
	return &UpstreamError{Server: server, Kind: KindTransport, Message: err.Error()}
}

// NewTimeoutError reports a deadline expiry on a call to the given server.
func NewTimeoutError(server, message string) *UpstreamError {
	return &UpstreamError{Server: server, Kind: KindTimeout, Message: message}
}

// NewSchemaError reports an invalid OpenAPI document or JSON schema.
func NewSchemaError(server, message string) *UpstreamError {
	return &UpstreamError{Server: server, Kind: KindSchema, Message: message}
}

// IsKind checks whether err is or wraps an UpstreamError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == kind
}

// IsNotFound checks if an error is a not-found UpstreamError using error
// unwrapping.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsTimeout checks if an error is a timeout UpstreamError or a bare context
// deadline expiry.
func IsTimeout(err error) bool {
	return IsKind(err, KindTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf classifies an arbitrary error. UpstreamErrors report their own kind;
// context deadline expiry maps to timeout; everything else is internal.
func KindOf(err error) ErrorKind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the HTTP status code the admin API and the
// ingress router answer with.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindConfig:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransport, KindUpstream:
		return http.StatusBadGateway
	case KindSchema:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
