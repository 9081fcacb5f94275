package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/codexgate/pkg/api"
)

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        *api.APIError
		wantStatus int
	}{
		{"invalid request", &api.APIError{Type: api.ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"authentication", &api.APIError{Type: api.ErrorTypeAuthentication}, http.StatusUnauthorized},
		{"not found", &api.APIError{Type: api.ErrorTypeNotFound}, http.StatusNotFound},
		{"rate limit", &api.APIError{Type: api.ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"timeout", &api.APIError{Type: api.ErrorTypeTimeout}, http.StatusGatewayTimeout},
		{"backend unavailable", &api.APIError{Type: api.ErrorTypeBackendUnavailable}, http.StatusServiceUnavailable},
		{"connection", &api.APIError{Type: api.ErrorTypeAPIConnection}, http.StatusBadGateway},
		{"cancelled", &api.APIError{Type: api.ErrorTypeRequestCancelled}, StatusClientClosedRequest},
		{"server error", &api.APIError{Type: api.ErrorTypeServerError}, http.StatusInternalServerError},
		{"unknown type", &api.APIError{Type: "unknown"}, http.StatusInternalServerError},
		{"explicit status wins", &api.APIError{Type: api.ErrorTypeServerError, Status: http.StatusBadGateway}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.wantStatus {
				t.Errorf("HTTPStatusFromError(%q) = %d, want %d", tt.err.Type, got, tt.wantStatus)
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, api.NewInvalidRequestError("model", "is required"), http.StatusBadRequest)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if ra := rec.Header().Get("Retry-After"); ra != "" {
		t.Errorf("Retry-After = %q, want none", ra)
	}

	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Type != api.ErrorTypeInvalidRequest {
		t.Errorf("error type = %q, want %q", resp.Error.Type, api.ErrorTypeInvalidRequest)
	}
	if resp.Error.Param != "model" || resp.Error.Message != "is required" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestWriteAPIError(t *testing.T) {
	limited := api.NewRateLimitError("slow down")
	limited.RetryAfter = 7

	rec := httptest.NewRecorder()
	WriteAPIError(rec, limited)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "7" {
		t.Errorf("Retry-After = %q, want %q", ra, "7")
	}
	var body map[string]map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"]["retryable"] != true {
		t.Errorf("retryable = %v, want true", body["error"]["retryable"])
	}
	if body["error"]["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %v, want rate_limit_exceeded", body["error"]["code"])
	}
}
