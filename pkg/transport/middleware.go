package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/codexgate/pkg/api"
)

// Middleware decorates a ResponseCreator.
type Middleware func(ResponseCreator) ResponseCreator

// Chain folds middlewares so that Chain(a, b)(h) == a(b(h)); a sees the
// request first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next ResponseCreator) ResponseCreator {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Recovery turns a panic inside the handler into a server_error so one
// bad request cannot take the gateway down. The stack goes to the log,
// never to the client.
func Recovery() Middleware {
	return func(next ResponseCreator) ResponseCreator {
		return ResponseCreatorFunc(func(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) (retErr error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				slog.ErrorContext(ctx, "handler panic",
					"request_id", RequestIDFromContext(ctx),
					"panic", r,
					"stack", string(debug.Stack()))
				retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
			}()
			return next.CreateResponse(ctx, req, w)
		})
	}
}
