// Package errors provides unified error handling for the service layer
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Validation errors (input shape, malformed payloads)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Rate limiting errors
	ErrCodeRateLimitBurst     ErrorCode = "RL_5001"
	ErrCodeRateLimitSustained ErrorCode = "RL_5002"
	ErrCodeBlocklisted        ErrorCode = "RL_5003"

	// Proof-of-work errors
	ErrCodePoWChallengeExpired ErrorCode = "POW_6001"
	ErrCodePoWInvalidSolution  ErrorCode = "POW_6002"
	ErrCodePoWAlreadyUsed      ErrorCode = "POW_6003"
	ErrCodePoWDifficultyStale  ErrorCode = "POW_6004"

	// Press logic errors (reducer/ordering invariants)
	ErrCodeStaleSequence   ErrorCode = "LOGIC_7001"
	ErrCodeDuplicateEvent  ErrorCode = "LOGIC_7002"
	ErrCodeUnknownRuleset  ErrorCode = "LOGIC_7003"
	ErrCodeStateDivergence ErrorCode = "LOGIC_7004"

	// Dependency errors (storage, streams, notification bus)
	ErrCodeInternal      ErrorCode = "DEP_8001"
	ErrCodeDatabaseError ErrorCode = "DEP_8002"
	ErrCodeStreamError   ErrorCode = "DEP_8003"
	ErrCodeExternalAPI   ErrorCode = "DEP_8004"
	ErrCodeTimeout       ErrorCode = "DEP_8005"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Rate Limit Errors

func RateLimitBurst(retryAfterSeconds int) *ServiceError {
	return New(ErrCodeRateLimitBurst, "burst rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

func RateLimitSustained(retryAfterSeconds int) *ServiceError {
	return New(ErrCodeRateLimitSustained, "sustained rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

func Blocklisted() *ServiceError {
	return New(ErrCodeBlocklisted, "source is temporarily blocklisted", http.StatusTooManyRequests)
}

// Proof-of-Work Errors

func PoWChallengeExpired() *ServiceError {
	return New(ErrCodePoWChallengeExpired, "proof-of-work challenge has expired", http.StatusBadRequest)
}

func PoWInvalidSolution() *ServiceError {
	return New(ErrCodePoWInvalidSolution, "proof-of-work solution is invalid", http.StatusBadRequest)
}

func PoWAlreadyUsed() *ServiceError {
	return New(ErrCodePoWAlreadyUsed, "Challenge already used", http.StatusBadRequest)
}

func PoWDifficultyStale() *ServiceError {
	return New(ErrCodePoWDifficultyStale, "proof-of-work difficulty no longer matches current tier", http.StatusConflict)
}

// Press Logic Errors

func StaleSequence(expected, got int64) *ServiceError {
	return New(ErrCodeStaleSequence, "event sequence is stale", http.StatusConflict).
		WithDetails("expected", expected).
		WithDetails("got", got)
}

func DuplicateEvent(eventID string) *ServiceError {
	return New(ErrCodeDuplicateEvent, "event has already been recorded", http.StatusConflict).
		WithDetails("event_id", eventID)
}

func UnknownRuleset(rulesetID string) *ServiceError {
	return New(ErrCodeUnknownRuleset, "ruleset is unknown", http.StatusUnprocessableEntity).
		WithDetails("ruleset_id", rulesetID)
}

func StateDivergence(reason string) *ServiceError {
	return New(ErrCodeStateDivergence, "reducer state diverged from expected checkpoint", http.StatusInternalServerError).
		WithDetails("reason", reason)
}

// Dependency Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func StreamError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeStreamError, "event stream operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "external API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
