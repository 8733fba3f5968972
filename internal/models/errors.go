package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable machine-readable failure label.
type ErrorCode string

// The full failure taxonomy surfaced by the gateway.
const (
	ErrProviderNotFound     ErrorCode = "provider_not_found"
	ErrProviderExists       ErrorCode = "provider_exists"
	ErrTransformerNotFound  ErrorCode = "transformer_not_found"
	ErrDuplicateTransformer ErrorCode = "duplicate_transformer"
	ErrInvalidRequest       ErrorCode = "invalid_request"
	ErrProviderResponse     ErrorCode = "provider_response_error"
	ErrAuth                 ErrorCode = "auth_error"
	ErrTimeout              ErrorCode = "timeout"
	ErrTransformer          ErrorCode = "transformer_error"
)

// GatewayError is the structured failure shape every user-visible error is
// rendered as: an HTTP status, a short type label, a human-readable message
// and a stable code from the taxonomy.
type GatewayError struct {
	Status  int       `json:"-"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is allows errors.Is comparison against another GatewayError by code.
func (e *GatewayError) Is(target error) bool {
	var ge *GatewayError
	if !errors.As(target, &ge) {
		return false
	}
	return e.Code == ge.Code
}

// NewError constructs a GatewayError with the canonical status and type for
// the given code.
func NewError(code ErrorCode, message string) *GatewayError {
	status, errType := codeDefaults(code)
	return &GatewayError{
		Status:  status,
		Type:    errType,
		Message: message,
		Code:    code,
	}
}

// NewErrorf is NewError with fmt.Sprintf formatting.
func NewErrorf(code ErrorCode, format string, args ...any) *GatewayError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// UpstreamError wraps a non-2xx provider response, keeping its status and
// body detail inside the unified envelope.
func UpstreamError(status int, detail string) *GatewayError {
	if status < http.StatusBadRequest {
		status = http.StatusBadGateway
	}
	return &GatewayError{
		Status:  status,
		Type:    "upstream_error",
		Message: detail,
		Code:    ErrProviderResponse,
	}
}

// AsGatewayError coerces any error into a GatewayError, defaulting unknown
// failures to a transformer_error so callers never see a raw exception dump.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{
		Status:  http.StatusInternalServerError,
		Type:    "server_error",
		Message: err.Error(),
		Code:    ErrTransformer,
	}
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Code == code
}

func codeDefaults(code ErrorCode) (int, string) {
	switch code {
	case ErrProviderNotFound, ErrTransformerNotFound:
		return http.StatusNotFound, "not_found_error"
	case ErrProviderExists, ErrDuplicateTransformer:
		return http.StatusConflict, "conflict_error"
	case ErrInvalidRequest:
		return http.StatusBadRequest, "invalid_request_error"
	case ErrProviderResponse:
		return http.StatusBadGateway, "upstream_error"
	case ErrAuth:
		return http.StatusUnauthorized, "auth_error"
	case ErrTimeout:
		return http.StatusGatewayTimeout, "timeout_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
