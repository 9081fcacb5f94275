package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/codexgate/pkg/api"
)

func TestWriteResponseJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEResponseWriter(rec, nil)

	resp := &api.Response{
		ID:     "resp_abc123",
		Object: "response",
		Status: api.ResponseStatusCompleted,
		Model:  "gpt-5",
	}
	if err := rw.WriteResponse(context.Background(), resp); err != nil {
		t.Fatalf("WriteResponse error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	var got api.Response
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.ID != "resp_abc123" || got.Status != api.ResponseStatusCompleted {
		t.Errorf("response = %+v", got)
	}
	if err := rw.WriteResponse(context.Background(), resp); err == nil {
		t.Error("second WriteResponse succeeded")
	}
}

func TestWriteEventSSEFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEResponseWriter(rec, nil)

	event := api.StreamEvent{
		Type:           api.EventOutputTextDelta,
		SequenceNumber: 1,
		Delta:          "Hello",
		ItemID:         "msg_001",
		OutputIndex:    api.Index(0),
	}
	if err := rw.WriteEvent(context.Background(), event); err != nil {
		t.Fatalf("WriteEvent error: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: response.output_text.delta\ndata: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("frame = %q", body)
	}
	data := strings.TrimSuffix(strings.TrimPrefix(body, "event: response.output_text.delta\ndata: "), "\n\n")
	var got map[string]any
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("failed to parse event JSON: %v", err)
	}
	if got["delta"] != "Hello" || got["sequence_number"] != float64(1) || got["output_index"] != float64(0) {
		t.Errorf("event = %v", got)
	}

	for header, want := range map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestWriteEventTerminalThenDone(t *testing.T) {
	tests := []struct {
		name      string
		eventType api.StreamEventType
	}{
		{"completed", api.EventResponseCompleted},
		{"failed", api.EventResponseFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := newSSEResponseWriter(rec, nil)
			ctx := context.Background()

			if err := rw.WriteEvent(ctx, api.StreamEvent{Type: tt.eventType, Response: &api.Response{}}); err != nil {
				t.Fatalf("WriteEvent(%s) error: %v", tt.eventType, err)
			}
			if strings.Contains(rec.Body.String(), "[DONE]") {
				t.Errorf("[DONE] written before the done event:\n%s", rec.Body.String())
			}
			if err := rw.WriteEvent(ctx, api.StreamEvent{Type: api.EventOutputTextDelta, Delta: "late"}); err == nil {
				t.Error("delta after terminal event succeeded")
			}
			if err := rw.WriteEvent(ctx, api.StreamEvent{Type: api.EventDone}); err != nil {
				t.Fatalf("WriteEvent(done) error: %v", err)
			}
			if !strings.HasSuffix(rec.Body.String(), "event: done\ndata: [DONE]\n\n") {
				t.Errorf("missing done frame in:\n%s", rec.Body.String())
			}
			if err := rw.WriteEvent(ctx, api.StreamEvent{Type: api.EventDone}); err == nil {
				t.Error("write after done succeeded")
			}
		})
	}
}

func TestWriteResponseAfterWriteEventReturnsError(t *testing.T) {
	rw := newSSEResponseWriter(httptest.NewRecorder(), nil)
	rw.WriteEvent(context.Background(), api.StreamEvent{Type: api.EventResponseCreated})

	if err := rw.WriteResponse(context.Background(), &api.Response{}); err == nil {
		t.Error("expected error for WriteResponse after WriteEvent, got nil")
	}
}

func TestWriteEventAfterWriteResponseReturnsError(t *testing.T) {
	rw := newSSEResponseWriter(httptest.NewRecorder(), nil)
	rw.WriteResponse(context.Background(), &api.Response{})

	if err := rw.WriteEvent(context.Background(), api.StreamEvent{Type: api.EventOutputTextDelta}); err == nil {
		t.Error("expected error for WriteEvent after WriteResponse, got nil")
	}
	if started, _, _ := rw.streamState(); started {
		t.Error("JSON response reported as a started stream")
	}
}

func TestOnResponseCreatedCallback(t *testing.T) {
	var ids []string
	rw := newSSEResponseWriter(httptest.NewRecorder(), func(id string) { ids = append(ids, id) })

	rw.WriteEvent(context.Background(), api.StreamEvent{Type: api.EventResponseCreated, Response: &api.Response{ID: "resp_first"}})
	rw.WriteEvent(context.Background(), api.StreamEvent{Type: api.EventResponseCreated, Response: &api.Response{ID: "resp_second"}})

	if len(ids) != 1 || ids[0] != "resp_first" {
		t.Errorf("callback ids = %v, want [resp_first]", ids)
	}
}

func TestAbortClosesOpenStream(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEResponseWriter(rec, nil)
	ctx := context.Background()

	rw.WriteEvent(ctx, api.StreamEvent{Type: api.EventResponseCreated, SequenceNumber: 0, Response: &api.Response{ID: "resp_x"}})
	rw.WriteEvent(ctx, api.StreamEvent{Type: api.EventOutputTextDelta, SequenceNumber: 1, Delta: "partial"})
	rw.abort("resp_x", api.NewServerError("boom"))

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	if len(frames) != 4 {
		t.Fatalf("frames = %q, want 4", frames)
	}
	if !strings.HasPrefix(frames[2], "event: response.failed\n") {
		t.Errorf("frame 2 = %q, want response.failed", frames[2])
	}
	data := strings.TrimPrefix(frames[2], "event: response.failed\ndata: ")
	var failed api.StreamEvent
	if err := json.Unmarshal([]byte(data), &failed); err != nil {
		t.Fatalf("decode failed event: %v", err)
	}
	if failed.SequenceNumber != 2 || failed.Response.ID != "resp_x" || failed.Error.Message != "boom" {
		t.Errorf("failed event = %+v", failed)
	}
	if frames[3] != "event: done\ndata: [DONE]" {
		t.Errorf("last frame = %q", frames[3])
	}

	// A stream that already finished is left alone.
	before := rec.Body.Len()
	rw.abort("resp_x", api.NewServerError("again"))
	if rec.Body.Len() != before {
		t.Error("abort wrote to a finished stream")
	}
}
