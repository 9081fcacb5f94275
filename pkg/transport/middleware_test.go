package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/rhuss/codexgate/pkg/api"
)

// recordingWriter is a minimal ResponseWriter for testing middleware.
type recordingWriter struct {
	events   []api.StreamEvent
	response *api.Response
	flushed  bool
}

func (w *recordingWriter) WriteEvent(_ context.Context, event api.StreamEvent) error {
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) WriteResponse(_ context.Context, resp *api.Response) error {
	w.response = resp
	return nil
}

func (w *recordingWriter) Flush() error {
	w.flushed = true
	return nil
}

func handlerFunc(fn func(ctx context.Context) error) ResponseCreator {
	return ResponseCreatorFunc(func(ctx context.Context, _ *api.CreateResponseRequest, _ ResponseWriter) error {
		return fn(ctx)
	})
}

func call(c ResponseCreator, ctx context.Context, req *api.CreateResponseRequest) error {
	if req == nil {
		req = &api.CreateResponseRequest{}
	}
	return c.CreateResponse(ctx, req, &recordingWriter{})
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next ResponseCreator) ResponseCreator {
			return handlerFunc(func(ctx context.Context) error {
				order = append(order, name+">")
				err := call(next, ctx, nil)
				order = append(order, "<"+name)
				return err
			})
		}
	}
	h := handlerFunc(func(context.Context) error {
		order = append(order, "h")
		return nil
	})

	_ = call(Chain(tag("outer"), tag("inner"))(h), context.Background(), nil)

	want := []string{"outer>", "inner>", "h", "<inner", "<outer"}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestChainEmpty(t *testing.T) {
	sentinel := errors.New("sentinel")
	h := handlerFunc(func(context.Context) error { return sentinel })
	if err := call(Chain()(h), context.Background(), nil); !errors.Is(err, sentinel) {
		t.Errorf("Chain() altered handler, err = %v", err)
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := handlerFunc(func(context.Context) error { panic("worker map corrupted") })
	ctx := ContextWithRequestID(context.Background(), "req-panic")
	err := call(Recovery()(h), ctx, nil)

	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *api.APIError", err, err)
	}
	if apiErr.Type != api.ErrorTypeServerError {
		t.Errorf("type = %q, want %q", apiErr.Type, api.ErrorTypeServerError)
	}
	if !strings.Contains(apiErr.Message, "worker map corrupted") {
		t.Errorf("message = %q", apiErr.Message)
	}
	if strings.Contains(apiErr.Message, "goroutine") {
		t.Errorf("stack leaked to client: %q", apiErr.Message)
	}
	logged := buf.String()
	if !strings.Contains(logged, "request_id=req-panic") || !strings.Contains(logged, "stack=") {
		t.Errorf("panic log = %q, want request id and stack", logged)
	}

	ok := handlerFunc(func(context.Context) error { return nil })
	if err := call(Recovery()(ok), context.Background(), nil); err != nil {
		t.Errorf("Recovery on healthy handler = %v", err)
	}
}

func TestRequestID(t *testing.T) {
	var seen []string
	h := RequestID()(handlerFunc(func(ctx context.Context) error {
		seen = append(seen, RequestIDFromContext(ctx))
		return nil
	}))

	_ = call(h, ContextWithRequestID(context.Background(), "from-header"), nil)
	if seen[0] != "from-header" {
		t.Errorf("request id = %q, want the one already on the context", seen[0])
	}

	for range 50 {
		_ = call(h, context.Background(), nil)
	}
	unique := map[string]bool{}
	for _, id := range seen[1:] {
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("generated id %q is not a UUID: %v", id, err)
		}
		unique[id] = true
	}
	if len(unique) != 50 {
		t.Errorf("%d unique ids, want 50", len(unique))
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("RequestIDFromContext = %q, want empty", got)
	}
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		wants []string
	}{
		{"success", nil, []string{"level=INFO", "request completed", "request_id=req-7", "model=gpt-5-codex", "stream=true"}},
		{"server error", api.NewServerError("worker exploded"), []string{"level=ERROR", "request failed", "worker exploded"}},
		{"invalid request", api.NewInvalidRequestError("input", "bad"), []string{"level=WARN"}},
		{"rate limited", api.NewRateLimitError("slow down"), []string{"level=WARN"}},
		{"client went away", fmt.Errorf("turn: %w", context.Canceled), []string{"level=WARN"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			h := Logging(logger)(handlerFunc(func(context.Context) error { return tt.err }))
			ctx := ContextWithRequestID(context.Background(), "req-7")

			err := call(h, ctx, &api.CreateResponseRequest{Model: "gpt-5-codex", Stream: true})
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want it passed through", err)
			}
			for _, want := range tt.wants {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("log missing %q in:\n%s", want, buf.String())
				}
			}
		})
	}
}
