package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/transport"
	"github.com/rhuss/codexgate/pkg/worker"
)

// CodeAuthRequired is reported by the worker when its account needs a login.
const CodeAuthRequired = "auth_required"

type transportMapping struct {
	status    int
	typ       api.ErrorType
	message   string
	retryable bool
}

var transportMappings = map[string]transportMapping{
	worker.CodeWorkerRequestTimeout: {http.StatusGatewayTimeout, api.ErrorTypeTimeout, "app-server request timeout", true},
	"request_timeout":               {http.StatusGatewayTimeout, api.ErrorTypeTimeout, "app-server request timeout", true},
	worker.CodeHandshakeTimeout:     {http.StatusServiceUnavailable, api.ErrorTypeBackendUnavailable, "app-server handshake timed out", true},
	worker.CodeHandshakeFailed:      {http.StatusServiceUnavailable, api.ErrorTypeBackendUnavailable, "app-server handshake failed", true},
	worker.CodeWorkerUnavailable:    {http.StatusServiceUnavailable, api.ErrorTypeBackendUnavailable, "app-server worker unavailable", true},
	worker.CodeWorkerNotReady:       {http.StatusServiceUnavailable, api.ErrorTypeBackendUnavailable, "app-server worker is not ready", true},
	worker.CodeWorkerExited:         {http.StatusServiceUnavailable, api.ErrorTypeBackendUnavailable, "app-server worker exited", true},
	worker.CodeWorkerBusy:           {http.StatusTooManyRequests, api.ErrorTypeRateLimit, "app-server worker at capacity", true},
	worker.CodeTransportDestroyed:   {http.StatusServiceUnavailable, api.ErrorTypeBackendUnavailable, "JSON-RPC transport destroyed", true},
	worker.CodeWorkerError:          {http.StatusInternalServerError, api.ErrorTypeServerError, "", false},
	worker.CodeRequestAborted:       {transport.StatusClientClosedRequest, api.ErrorTypeRequestCancelled, "request aborted by client", false},
}

// MapTransportError converts a worker failure into the client-facing error.
// Errors that are not *worker.TransportError become a plain server error.
func MapTransportError(err error) *api.APIError {
	if err == nil {
		return nil
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	te, ok := worker.AsTransportError(err)
	if !ok {
		e := api.NewServerError(err.Error())
		e.Status = http.StatusInternalServerError
		return e
	}

	code := te.Code
	if code == "" {
		code = "transport_error"
	}
	key := strings.ToLower(code)

	if key == CodeAuthRequired {
		return authRequiredError(te)
	}
	if isCodexError(te.Detail) {
		return NormalizeCodexError(te.Detail)
	}
	switch te.RPCCode {
	case -32700, -32600, -32602:
		return NormalizeCodexError(mustJSON(map[string]any{"code": te.RPCCode, "message": te.Message}))
	}

	retryable := te.Retryable
	status := http.StatusInternalServerError
	typ := api.ErrorTypeServerError
	if retryable {
		status = http.StatusServiceUnavailable
		typ = api.ErrorTypeBackendUnavailable
	}
	message := te.Message
	if m, ok := transportMappings[key]; ok {
		status, typ, retryable = m.status, m.typ, m.retryable
		if m.message != "" {
			message = m.message
		}
	}
	if message == "" {
		message = "transport error"
	}
	return &api.APIError{
		Type:      typ,
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Status:    status,
	}
}

func authRequiredError(te *worker.TransportError) *api.APIError {
	e := api.NewAuthenticationError("authentication required")
	e.Status = http.StatusUnauthorized
	if len(te.Detail) == 0 {
		return e
	}
	d := gjson.ParseBytes(te.Detail)
	authURL := firstString(d, "auth_url", "authUrl")
	if authURL == "" {
		return e
	}
	parts := []string{"unauthorized", "login_url=" + authURL}
	if id := firstString(d, "login_id", "loginId"); id != "" {
		parts = append(parts, "login_id="+id)
	}
	e.Message = strings.Join(parts, " | ")
	return e
}

// isCodexError reports whether detail carries vendor error information
// rather than gateway bookkeeping.
func isCodexError(detail json.RawMessage) bool {
	if len(detail) == 0 {
		return false
	}
	base := codexErrorBase(gjson.ParseBytes(detail))
	return base.Get("codexErrorInfo").Exists() ||
		base.Get("codex_error_info").Exists() ||
		base.Get("httpStatusCode").Exists() ||
		base.Get("http_status_code").Exists()
}

func codexErrorBase(v gjson.Result) gjson.Result {
	if e := v.Get("error"); e.IsObject() {
		return e
	}
	return v
}

// NormalizeCodexError maps a worker error object (a JSON-RPC error, an error
// notification payload, or its nested "error" object) onto the OpenAI error
// taxonomy by inspecting codexErrorInfo, the JSON-RPC code and any upstream
// HTTP status.
func NormalizeCodexError(raw json.RawMessage) *api.APIError {
	base := codexErrorBase(gjson.ParseBytes(raw))

	message := ""
	hasMessage := false
	if m := base.Get("message"); m.Type == gjson.String {
		message, hasMessage = m.String(), true
	}
	msg := func(fallback string) string {
		if hasMessage {
			return message
		}
		return fallback
	}

	info := base.Get("codexErrorInfo")
	if !info.Exists() {
		info = base.Get("codex_error_info")
	}
	infoType := info.String()
	if info.IsObject() {
		infoType = firstString(info, "type", "name", "code")
	}
	infoLower := strings.ToLower(infoType)

	details := base.Get("additionalDetails")
	if !details.Exists() {
		details = base.Get("additional_details")
	}

	rpcCode, hasRPCCode := 0, false
	if c := base.Get("code"); c.Type == gjson.Number {
		rpcCode, hasRPCCode = int(c.Int()), true
	}

	switch {
	case strings.Contains(infoLower, "unauthorized") ||
		strings.Contains(infoLower, "unauthorised") ||
		strings.Contains(strings.ToLower(message), "authentication required"):
		return codexError(http.StatusUnauthorized, api.ErrorTypeAuthentication, "unauthorized", msg("Authentication required."))

	case infoType == "UsageLimitExceeded":
		e := codexError(http.StatusTooManyRequests, api.ErrorTypeRateLimit, "rate_limit_exceeded", msg("Rate limit exceeded."))
		if v := firstExisting(details, "retryAfterSeconds", "retry_after_seconds"); v.Type == gjson.Number {
			e.RetryAfter = int(v.Int())
		}
		return e

	case infoType == "ContextWindowExceeded":
		return codexError(http.StatusBadRequest, api.ErrorTypeInvalidRequest, "context_length_exceeded", msg("Context length exceeded."))

	case hasRPCCode && (rpcCode == -32700 || rpcCode == -32600 || rpcCode == -32602):
		return codexError(http.StatusBadRequest, api.ErrorTypeInvalidRequest, "invalid_request_error", msg("Invalid request."))

	case infoType == "BadRequest":
		return codexError(http.StatusBadRequest, api.ErrorTypeInvalidRequest, "bad_request", msg("Bad request."))

	case infoType == "SandboxError":
		return codexError(http.StatusBadRequest, api.ErrorTypeInvalidRequest, "sandbox_error", msg("Sandbox error."))

	case strings.Contains(infoLower, "responsestreamdisconnected"):
		return codexError(http.StatusBadGateway, api.ErrorTypeAPIConnection, "stream_disconnected", msg("Upstream stream disconnected."))
	}

	status := firstExisting(base, "httpStatusCode", "http_status_code")
	if !status.Exists() && info.IsObject() {
		status = firstExisting(info, "httpStatusCode", "http_status_code")
	}
	if !status.Exists() {
		status = firstExisting(details, "httpStatusCode", "http_status_code")
	}
	if status.Type == gjson.Number {
		code := int(status.Int())
		switch {
		case code == http.StatusTooManyRequests:
			return codexError(code, api.ErrorTypeRateLimit, "rate_limit_exceeded", msg("Upstream request failed."))
		case code >= 500:
			return codexError(code, api.ErrorTypeServerError, "upstream_error", msg("Upstream request failed."))
		default:
			return codexError(code, api.ErrorTypeInvalidRequest, "bad_request", msg("Upstream request failed."))
		}
	}

	return codexError(http.StatusInternalServerError, api.ErrorTypeServerError, "internal_error", msg("Internal server error."))
}

func codexError(status int, typ api.ErrorType, code, message string) *api.APIError {
	return &api.APIError{
		Type:      typ,
		Code:      code,
		Message:   message,
		Retryable: status == http.StatusTooManyRequests,
		Status:    status,
	}
}

func firstExisting(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
