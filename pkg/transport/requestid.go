package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/codexgate/pkg/api"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID stores id in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns middleware that makes sure every request carries an
// id. An id already on the context (the HTTP adapter copies X-Request-ID)
// wins; otherwise a UUID is minted. The engine reuses it as the worker
// request id, so logs on both sides of the pipe line up.
func RequestID() Middleware {
	return func(next ResponseCreator) ResponseCreator {
		return ResponseCreatorFunc(func(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.CreateResponse(ctx, req, w)
		})
	}
}

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return uuid.NewString()
}
