package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/transport"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Adapter serves the Responses API over HTTP. It routes requests, decodes
// bodies, and renders results as JSON or Server-Sent Events.
type Adapter struct {
	creator  transport.ResponseCreator
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// Models backs GET /v1/models. Nil disables the route.
	Models transport.ModelLister

	// Ready backs GET /readyz. Nil means always ready.
	Ready transport.ReadinessChecker

	// MetricsPath and MetricsHandler mount the metrics endpoint when both
	// are set.
	MetricsPath    string
	MetricsHandler http.Handler
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 << 20, // 10 MB
	}
}

// NewAdapter creates an HTTP adapter around creator. Middleware is applied
// to the creator in the given order.
func NewAdapter(creator transport.ResponseCreator, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		creator = transport.Chain(middlewares...)(creator)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		creator:  creator,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/responses", a.handleCreateResponse)
	a.mux.HandleFunc("DELETE /v1/responses/{id}", a.handleCancelResponse)
	if cfg.Models != nil {
		a.mux.HandleFunc("GET /v1/models", a.handleListModels)
	}
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		a.mux.Handle("GET "+cfg.MetricsPath, cfg.MetricsHandler)
	}

	return a
}

// Handler returns the http.Handler for this adapter, including request ID
// propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// InFlight exposes the registry of running streams.
func (a *Adapter) InFlight() *transport.InFlightRegistry {
	return a.inflight
}

// httpRequestIDMiddleware puts the request id into the context, taking the
// client's X-Request-ID when present and generating one otherwise, and
// echoes it on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = transport.NewRequestID()
		}
		r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// handleCreateResponse handles POST /v1/responses.
func (a *Adapter) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.CreateResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	if !req.Stream {
		rw := newSSEResponseWriter(w, nil)
		if err := a.creator.CreateResponse(r.Context(), &req, rw); err != nil {
			a.writeHandlerError(r.Context(), w, rw, "", err)
		}
		return
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	var responseID string
	rw := newSSEResponseWriter(w, func(id string) {
		responseID = id
		a.inflight.Register(id, cancel)
	})

	err := a.creator.CreateResponse(ctx, &req, rw)
	if responseID != "" {
		a.inflight.Remove(responseID)
	}
	if err != nil {
		a.writeHandlerError(ctx, w, rw, responseID, err)
	}
}

// handleCancelResponse handles DELETE /v1/responses/{id}. Only streams that
// are still running can be cancelled; nothing is stored after completion.
func (a *Adapter) handleCancelResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateResponseID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed response ID"),
			http.StatusBadRequest,
		)
		return
	}
	if !a.inflight.Cancel(id) {
		transport.WriteAPIError(w, api.NewNotFoundError("response "+id+" is not in progress"))
		return
	}
	debug.Log("transport", "cancelled in-flight response", "response_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListModels handles GET /v1/models.
func (a *Adapter) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := a.config.Models.Models(r.Context())
	if err != nil {
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewServerError(err.Error())
		}
		transport.WriteAPIError(w, apiErr)
		return
	}
	if models == nil {
		models = []api.Model{}
	}
	writeJSON(w, http.StatusOK, api.ModelList{Object: "list", Data: models})
}

func (a *Adapter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.config.Ready != nil && !a.config.Ready.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeHandlerError renders an error returned by the creator. Before any
// output it becomes a JSON error body. A stream left open gets
// response.failed and done. A client that went away gets nothing.
func (a *Adapter) writeHandlerError(ctx context.Context, w http.ResponseWriter, rw *sseResponseWriter, responseID string, err error) {
	if errors.Is(err, context.Canceled) && !errors.Is(context.Cause(ctx), transport.ErrResponseCancelled) {
		return
	}

	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, context.Canceled):
		apiErr = &api.APIError{Type: api.ErrorTypeRequestCancelled, Code: "response_cancelled", Message: "response cancelled"}
	default:
		apiErr = api.NewServerError(err.Error())
	}

	if started, _, _ := rw.streamState(); started {
		if responseID == "" {
			slog.Warn("stream ended with error before response.created", "error", err)
		}
		rw.abort(responseID, apiErr)
		return
	}
	transport.WriteAPIError(w, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
