package models

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the gateway-level error taxonomy surfaced to clients.
type ErrorCode string

const (
	CodeModelNotSupported       ErrorCode = "model_not_supported"
	CodeOperationNotSupported   ErrorCode = "operation_not_supported"
	CodeAllUpstreamsUnavailable ErrorCode = "all_upstreams_unavailable"
	CodeTimeout                 ErrorCode = "timeout"
	CodeAuthentication          ErrorCode = "authentication_error"
	CodeAuthorization           ErrorCode = "authorization_error"
	CodeClientError             ErrorCode = "invalid_request"
	CodeRateLimited             ErrorCode = "rate_limited"
	CodeInternal                ErrorCode = "internal_error"
)

// GatewayError is the single error type the router returns. It carries
// the public code plus per-upstream attempt summaries for aggregates.
type GatewayError struct {
	Code      ErrorCode
	Message   string
	RequestID string
	Attempts  []Attempt
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to the response status.
func (e *GatewayError) HTTPStatus() int {
	switch e.Code {
	case CodeClientError:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeModelNotSupported:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeOperationNotSupported:
		return http.StatusNotImplemented
	case CodeAllUpstreamsUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewGatewayError builds a GatewayError without attempt details.
func NewGatewayError(code ErrorCode, requestID, format string, args ...any) *GatewayError {
	return &GatewayError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		RequestID: requestID,
	}
}

// CodeForClass maps a terminal error class to the surfaced error code.
func CodeForClass(c ErrorClass) ErrorCode {
	switch c {
	case ClassAuthentication:
		return CodeAuthentication
	case ClassAuthorization:
		return CodeAuthorization
	case ClassClientError, ClassMalformed:
		return CodeClientError
	case ClassRateLimited:
		return CodeRateLimited
	case ClassTimeout:
		return CodeTimeout
	default:
		return CodeAllUpstreamsUnavailable
	}
}

// ErrorBody is the JSON error response shape:
// {"error": {"message", "type", "code", "timestamp", "request_id", "details?"}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Code      ErrorCode `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Details   any       `json:"details,omitempty"`
}

// NewErrorBody renders a GatewayError into the wire shape. Attempt
// summaries ride in details for aggregate errors.
func NewErrorBody(err *GatewayError) ErrorBody {
	detail := ErrorDetail{
		Message:   err.Message,
		Type:      errorType(err.Code),
		Code:      err.Code,
		Timestamp: time.Now().UTC(),
		RequestID: err.RequestID,
	}
	if len(err.Attempts) > 0 {
		detail.Details = err.Attempts
	}
	return ErrorBody{Error: detail}
}

func errorType(code ErrorCode) string {
	switch code {
	case CodeAuthentication:
		return "authentication_error"
	case CodeAuthorization:
		return "permission_error"
	case CodeClientError, CodeModelNotSupported, CodeOperationNotSupported:
		return "invalid_request_error"
	case CodeRateLimited:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}
