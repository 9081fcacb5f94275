package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rhuss/codexgate/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// request with the request ID, model, stream flag, and duration.
//
// Client-side outcomes (invalid requests, cancellations) are logged at
// WARN; everything else that fails is logged at ERROR. Status codes are
// not visible at this level; the HTTP metrics middleware records them.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ResponseCreator) ResponseCreator {
		return ResponseCreatorFunc(func(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error {
			start := time.Now()

			err := next.CreateResponse(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("model", req.Model),
				slog.Bool("stream", req.Stream),
				slog.Duration("duration", time.Since(start)),
			}

			if err == nil {
				logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
				return nil
			}
			attrs = append(attrs, slog.String("error", err.Error()))
			level := slog.LevelError
			if clientSide(err) {
				level = slog.LevelWarn
			}
			logger.LogAttrs(ctx, level, "request failed", attrs...)
			return err
		})
	}
}

func clientSide(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Type {
	case api.ErrorTypeInvalidRequest, api.ErrorTypeRequestCancelled, api.ErrorTypeAuthentication, api.ErrorTypeRateLimit:
		return true
	}
	return false
}
