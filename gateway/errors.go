package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/egress/gateway/internal/feed"
	"github.com/hazyhaar/egress/gateway/internal/fetch"
	"github.com/hazyhaar/egress/safeurl"
)

// Kind is the failure taxonomy shared by every operation.
type Kind int

const (
	KindUpstream Kind = iota
	KindInvalidInput
	KindProtocolNotAllowed
	KindBlocked
	KindUpstreamTimeout
	KindPayloadTooLarge
	KindUnsupportedContentType
	KindTooManyRequests
)

var kindNames = map[Kind]string{
	KindUpstream:               "upstream_error",
	KindInvalidInput:           "invalid_input",
	KindProtocolNotAllowed:     "protocol_not_allowed",
	KindBlocked:                "blocked",
	KindUpstreamTimeout:        "upstream_timeout",
	KindPayloadTooLarge:        "payload_too_large",
	KindUnsupportedContentType: "unsupported_content_type",
	KindTooManyRequests:        "too_many_requests",
}

func (k Kind) String() string { return kindNames[k] }

// Status is the HTTP status a failure of this kind answers with.
func (k Kind) Status() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindProtocolNotAllowed, KindBlocked:
		return http.StatusForbidden
	case KindUpstreamTimeout:
		return http.StatusRequestTimeout
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedContentType:
		return http.StatusUnsupportedMediaType
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// AI task error codes carried by Error.Code.
const (
	CodeTimeout       = "timeout"
	CodeRateLimit     = "rate_limit"
	CodeAuth          = "auth"
	CodeEmptyResult   = "empty_result"
	CodeNetwork       = "network"
	CodeInvalidConfig = "invalid_config"
	CodeCancelled     = "cancelled"
	CodeProvider      = "provider"
)

// Error is the structured failure returned by Service operations.
//
// Status is normally Kind.Status(); provider errors carry the upstream
// status instead. Code is the AI task code; when empty it is derived from
// Kind and Status.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status to answer with.
func (e *Error) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	return e.Kind.Status()
}

// AICode returns the AI task error code for this failure.
func (e *Error) AICode() string {
	if e.Code != "" {
		return e.Code
	}
	switch e.Kind {
	case KindUpstreamTimeout:
		return CodeTimeout
	case KindTooManyRequests:
		return CodeRateLimit
	case KindInvalidInput, KindProtocolNotAllowed, KindBlocked:
		return CodeInvalidConfig
	}
	switch s := e.HTTPStatus(); {
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return CodeAuth
	case s == http.StatusTooManyRequests:
		return CodeRateLimit
	case s == http.StatusRequestTimeout || s == http.StatusGatewayTimeout:
		return CodeTimeout
	}
	return CodeProvider
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func invalidInput(format string, args ...any) *Error {
	return newError(KindInvalidInput, nil, format, args...)
}

// AsError converts any error into an *Error. Unknown errors become 502.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	switch {
	case errors.Is(err, safeurl.ErrInvalidURL):
		return &Error{Kind: KindInvalidInput, Message: err.Error(), Err: err}
	case errors.Is(err, safeurl.ErrUnsafeScheme):
		return &Error{Kind: KindProtocolNotAllowed, Message: err.Error(), Err: err}
	case errors.Is(err, safeurl.ErrBlocked):
		return &Error{Kind: KindBlocked, Message: err.Error(), Err: err}
	case errors.Is(err, fetch.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindUpstreamTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, fetch.ErrTooLarge):
		return &Error{Kind: KindPayloadTooLarge, Message: err.Error(), Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindUpstream, Code: CodeCancelled, Message: err.Error(), Err: err}
	case errors.Is(err, fetch.ErrTransport):
		return &Error{Kind: KindUpstream, Code: CodeNetwork, Message: err.Error(), Err: err}
	case errors.Is(err, feed.ErrParse):
		return &Error{Kind: KindUpstream, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindUpstream, Message: err.Error(), Err: err}
}
