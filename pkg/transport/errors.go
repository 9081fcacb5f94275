package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rhuss/codexgate/pkg/api"
)

// StatusClientClosedRequest is the non-standard status used when the client
// went away before the response was produced.
const StatusClientClosedRequest = 499

// HTTPStatusFromError picks the HTTP status for an APIError. An explicit
// Status on the error wins; otherwise the status is derived from the type.
// Transport-level errors (body too large, unsupported content type) are
// handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.APIError) int {
	if err.Status != 0 {
		return err.Status
	}
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case api.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case api.ErrorTypeBackendUnavailable:
		return http.StatusServiceUnavailable
	case api.ErrorTypeAPIConnection:
		return http.StatusBadGateway
	case api.ErrorTypeRequestCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api. A RetryAfter hint becomes a Retry-After header.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
