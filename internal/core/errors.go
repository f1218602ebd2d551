// Package core defines the wire types and the error taxonomy shared by
// every layer of the gateway. Errors are carried as *GatewayError values
// that encode their retry policy and client-facing envelope; only the
// server layer turns them into HTTP responses.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the coarse error class exposed in the client envelope.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypePermission     ErrorType = "permission_error"
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeAPI            ErrorType = "api_error"
	ErrorTypeService        ErrorType = "service_error"
)

// ErrorCode narrows the error class to a machine-readable reason.
type ErrorCode string

const (
	CodeInvalidAuthKey     ErrorCode = "invalid_auth_key"
	CodeContentViolation   ErrorCode = "content_violation"
	CodeRetryTimeout       ErrorCode = "retry_timeout"
	CodeStreamTimeout      ErrorCode = "stream_timeout"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeInternalError      ErrorCode = "internal_error"
	CodeInvalidTemperature ErrorCode = "invalid_temperature"
	CodeRateLimitExceeded  ErrorCode = "rate_limit_exceeded"
	CodeMethodNotAllowed   ErrorCode = "method_not_allowed"
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeUpstreamError      ErrorCode = "upstream_error"
)

// UpstreamResponse preserves a provider reply attached to an error so the
// formatter can pass the original status, headers and body through.
type UpstreamResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// GatewayError is the single error currency of the gateway. StatusCode is
// the status the client will see; Upstream, when set, holds the provider
// reply that produced the error. NonRetryable marks client mistakes and
// policy rejections that must never be retried.
type GatewayError struct {
	Type         ErrorType
	Code         ErrorCode
	StatusCode   int
	Message      string
	Details      map[string]any
	NonRetryable bool
	Upstream     *UpstreamResponse

	cause error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// Retryable reports whether the retry engine may attempt the call again.
func (e *GatewayError) Retryable() bool { return !e.NonRetryable }

// Envelope is the uniform client-facing error body.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Message string         `json:"message"`
	Type    ErrorType      `json:"type"`
	Code    ErrorCode      `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope renders the error in the uniform wire shape.
func (e *GatewayError) Envelope() Envelope {
	return Envelope{Error: EnvelopeBody{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Code,
		Details: e.Details,
	}}
}

// MarshalSSE renders the envelope as a single SSE data frame payload.
func (e *GatewayError) MarshalSSE() []byte {
	b, err := json.Marshal(e.Envelope())
	if err != nil {
		b = []byte(`{"error":{"message":"internal error","type":"api_error","code":"internal_error"}}`)
	}
	return b
}

// AsGatewayError unwraps err into a *GatewayError, converting foreign
// errors into an internal_error so callers always hold a typed value.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewInternalError(err)
}

func NewAuthError(message string) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeAuthentication,
		Code:         CodeInvalidAuthKey,
		StatusCode:   http.StatusUnauthorized,
		Message:      message,
		NonRetryable: true,
	}
}

func NewInvalidRequestError(message string) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeInvalidRequest,
		Code:         CodeInvalidRequest,
		StatusCode:   http.StatusBadRequest,
		Message:      message,
		NonRetryable: true,
	}
}

func NewNotFoundError(path string) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeInvalidRequest,
		Code:         CodeInvalidRequest,
		StatusCode:   http.StatusNotFound,
		Message:      fmt.Sprintf("unknown route %s", path),
		NonRetryable: true,
	}
}

func NewMethodNotAllowedError(method, path string) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeInvalidRequest,
		Code:         CodeMethodNotAllowed,
		StatusCode:   http.StatusMethodNotAllowed,
		Message:      fmt.Sprintf("method %s is not allowed for %s", method, path),
		NonRetryable: true,
	}
}

func NewInvalidTemperatureError(model string) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeInvalidRequest,
		Code:         CodeInvalidTemperature,
		StatusCode:   http.StatusBadRequest,
		Message:      fmt.Sprintf("model %s requires temperature 0", model),
		NonRetryable: true,
	}
}

// NewRateLimitError carries the three-tier breakdown in details.
func NewRateLimitError(message string, details map[string]any) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeRateLimit,
		Code:         CodeRateLimitExceeded,
		StatusCode:   http.StatusTooManyRequests,
		Message:      message,
		Details:      details,
		NonRetryable: true,
	}
}

// NewBurstTrippedError is returned while the global burst breaker is open.
func NewBurstTrippedError() *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimit,
		Code:       CodeRateLimitExceeded,
		StatusCode: http.StatusTooManyRequests,
		Message:    "service is receiving too many requests",
		Details: map[string]any{
			"reason": "global_circuit_breaker_tripped",
		},
		NonRetryable: true,
	}
}

// NewViolationError reports a blocked moderation verdict.
func NewViolationError(riskLevel int, logID string, partial bool) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Code:       CodeContentViolation,
		StatusCode: http.StatusForbidden,
		Message:    "request blocked by content review",
		Details: map[string]any{
			"riskLevel":      riskLevel,
			"logId":          logID,
			"isPartialCheck": partial,
		},
		NonRetryable: true,
	}
}

// NewBreakerOpenError is returned while a provider circuit breaker is open.
func NewBreakerOpenError(provider string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeService,
		Code:       CodeServiceUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    fmt.Sprintf("%s provider is temporarily unavailable", provider),
		Details: map[string]any{
			"circuit_breaker": true,
		},
		NonRetryable: true,
	}
}

// NewConfigError reports server-side misconfiguration discovered at
// request time, such as an empty moderation model list.
func NewConfigError(message string) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeService,
		Code:         CodeInternalError,
		StatusCode:   http.StatusInternalServerError,
		Message:      message,
		NonRetryable: true,
	}
}

// NewNetworkError wraps a transport failure reaching a provider. Retryable.
func NewNetworkError(provider string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeService,
		Code:       CodeServiceUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    fmt.Sprintf("failed to reach %s provider", provider),
		cause:      err,
	}
}

// NewTimeoutError wraps a per-attempt deadline expiry. Retryable; if the
// retry budget runs out this is the error the client sees.
func NewTimeoutError(provider string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAPI,
		Code:       CodeRetryTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Message:    fmt.Sprintf("%s provider did not respond in time", provider),
		cause:      err,
	}
}

// NewStreamInterruptedError reports a stream that broke after bytes were
// already relayed. Emitted in-band as an SSE frame, never as a status.
func NewStreamInterruptedError(err error) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeAPI,
		Code:         CodeUpstreamError,
		StatusCode:   http.StatusBadGateway,
		Message:      "stream interrupted before completion",
		NonRetryable: true,
		cause:        err,
	}
}

// NewStreamTimeoutError reports stream inactivity past the configured
// watchdog window. Emitted in-band as an SSE frame, never as a status.
func NewStreamTimeoutError(idleSeconds int) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeAPI,
		Code:         CodeStreamTimeout,
		StatusCode:   http.StatusGatewayTimeout,
		Message:      fmt.Sprintf("stream timed out after %d seconds of inactivity", idleSeconds),
		NonRetryable: true,
	}
}

func NewInternalError(err error) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeAPI,
		Code:         CodeInternalError,
		StatusCode:   http.StatusInternalServerError,
		Message:      "internal server error",
		NonRetryable: true,
		cause:        err,
	}
}

// NewVerdictError reports a moderation reply that could not be parsed
// into a verdict. Unlike transport failures these never count against
// the provider breaker.
func NewVerdictError(err error) *GatewayError {
	return &GatewayError{
		Type:         ErrorTypeAPI,
		Code:         CodeUpstreamError,
		StatusCode:   http.StatusBadGateway,
		Message:      "moderation service returned an unreadable verdict",
		NonRetryable: true,
		cause:        err,
	}
}

// NewReviewUnavailableError folds a review-stage provider failure into
// the fail-closed refusal the client sees. The reviewer's own reply stays
// on the cause for logging; it never reaches the wire.
func NewReviewUnavailableError(cause *GatewayError) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeService,
		Code:       CodeServiceUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "moderation service unavailable",
		cause:      cause,
	}
}

// nonRetryableStatuses are client mistakes the retry engine must not repeat.
var nonRetryableStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// NewUpstreamError converts a non-2xx provider reply into a GatewayError,
// preserving the original status, headers and body. 4xx replies keep their
// status for verbatim passthrough; 5xx replies surface as 502 except for
// 502/503/504 which pass through unchanged.
func NewUpstreamError(provider string, resp *UpstreamResponse) *GatewayError {
	msg := upstreamMessage(resp.Body)
	if msg == "" {
		msg = fmt.Sprintf("%s provider returned status %d", provider, resp.StatusCode)
	}

	clientStatus := resp.StatusCode
	if resp.StatusCode >= 500 {
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		default:
			clientStatus = http.StatusBadGateway
		}
	}

	return &GatewayError{
		Type:         typeForStatus(resp.StatusCode),
		Code:         CodeUpstreamError,
		StatusCode:   clientStatus,
		Message:      msg,
		NonRetryable: nonRetryableStatuses[resp.StatusCode],
		Upstream:     resp,
	}
}

func typeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypePermission
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status >= 400 && status < 500:
		return ErrorTypeInvalidRequest
	default:
		return ErrorTypeAPI
	}
}

// upstreamMessage pulls error.message out of a provider error body.
func upstreamMessage(body []byte) string {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	var loose struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &loose); err == nil {
		if loose.Error.Message != "" {
			return loose.Error.Message
		}
		if loose.Message != "" {
			return loose.Message
		}
	}
	return ""
}
