package api

import "fmt"

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest     ErrorType = "invalid_request_error"
	ErrorTypeAuthentication     ErrorType = "authentication_error"
	ErrorTypeNotFound           ErrorType = "not_found_error"
	ErrorTypeRateLimit          ErrorType = "rate_limit_error"
	ErrorTypeTimeout            ErrorType = "timeout_error"
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"
	ErrorTypeAPIConnection      ErrorType = "api_connection_error"
	ErrorTypeRequestCancelled   ErrorType = "request_cancelled"
	ErrorTypeServerError        ErrorType = "server_error"
)

// APIError is the client-facing error body. Status, when non-zero, pins the
// HTTP status code; otherwise it is derived from Type.
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code,omitempty"`
	Param     string    `json:"param,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`

	Status int `json:"-"`

	// RetryAfter is the advised delay in seconds, zero when unknown.
	RetryAfter int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError as the top-level JSON body.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Code:    "invalid_request_error",
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Code:    "not_found",
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Code:    "internal_error",
		Message: message,
	}
}

// NewRateLimitError creates an APIError for rate limiting.
func NewRateLimitError(message string) *APIError {
	return &APIError{
		Type:      ErrorTypeRateLimit,
		Code:      "rate_limit_exceeded",
		Message:   message,
		Retryable: true,
	}
}

// NewAuthenticationError creates an APIError for missing or bad credentials.
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeAuthentication,
		Code:    "unauthorized",
		Message: message,
	}
}

// NewTimeoutError creates an APIError for a backend that went quiet.
func NewTimeoutError(code, message string) *APIError {
	return &APIError{
		Type:      ErrorTypeTimeout,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}
