package aitask

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Code classifies a failed attempt.
type Code string

const (
	CodeTimeout       Code = "timeout"
	CodeRateLimit     Code = "rate_limit"
	CodeAuth          Code = "auth"
	CodeEmptyResult   Code = "empty_result"
	CodeNetwork       Code = "network"
	CodeInvalidConfig Code = "invalid_config"
	CodeCancelled     Code = "cancelled"
	CodeProvider      Code = "provider"
)

// Error is a classified task failure.
type Error struct {
	Code       Code
	Retryable  bool
	HTTPStatus int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("aitask: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("aitask: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with the retry flag implied by code and status.
func NewError(code Code, status int, msg string, err error) *Error {
	return &Error{
		Code:       code,
		Retryable:  retryable(code, status),
		HTTPStatus: status,
		Message:    msg,
		Err:        err,
	}
}

// retryable: cancelled, auth, invalid_config and empty_result never retry;
// provider errors retry only on 5xx or an unknown status.
func retryable(code Code, status int) bool {
	switch code {
	case CodeTimeout, CodeRateLimit, CodeNetwork:
		return true
	case CodeProvider:
		return status == 0 || status >= http.StatusInternalServerError
	default:
		return false
	}
}

type aiCoder interface{ AICode() string }

type httpStatuser interface{ HTTPStatus() int }

// Classify maps any error to an *Error. Errors exposing AICode() and
// HTTPStatus() (the gateway's errors) keep their code and status.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeCancelled, 0, "request cancelled", err)
	}

	status := 0
	var hs httpStatuser
	if errors.As(err, &hs) {
		status = hs.HTTPStatus()
	}
	var coded aiCoder
	if errors.As(err, &coded) && coded.AICode() != "" {
		return NewError(Code(coded.AICode()), status, err.Error(), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, status, "attempt timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return NewError(CodeTimeout, status, err.Error(), err)
		}
		return NewError(CodeNetwork, status, err.Error(), err)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(CodeAuth, status, err.Error(), err)
	case status == http.StatusTooManyRequests:
		return NewError(CodeRateLimit, status, err.Error(), err)
	}
	return NewError(CodeProvider, status, err.Error(), err)
}
