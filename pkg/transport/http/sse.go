package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/transport"
)

// writerState tracks the state of an SSE ResponseWriter.
type writerState int

const (
	writerIdle      writerState = iota // no writes yet
	writerStreaming                    // at least one event written
	writerTerminal                     // response.completed or response.failed written; only done may follow
	writerCompleted                    // done written, or WriteResponse called
)

var errWriterCompleted = errors.New("writer is completed")

// sseResponseWriter implements transport.ResponseWriter for HTTP callers.
// Events are rendered as Server-Sent Events; a complete response is
// rendered as a JSON body.
type sseResponseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	state   writerState
	nextSeq int

	// onResponseCreated is called once with the response id carried by
	// the first response.created event.
	onResponseCreated func(id string)
}

var _ transport.ResponseWriter = (*sseResponseWriter)(nil)

func newSSEResponseWriter(w http.ResponseWriter, onCreated func(id string)) *sseResponseWriter {
	return &sseResponseWriter{
		w:                 w,
		rc:                http.NewResponseController(w),
		onResponseCreated: onCreated,
	}
}

// WriteEvent sends a single SSE frame and flushes it:
//
//	event: {type}
//	data: {json}
//
// The done event carries the literal [DONE] as its data and closes the
// writer. After a terminal event only done is accepted.
func (s *sseResponseWriter) WriteEvent(_ context.Context, event api.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == writerCompleted:
		return fmt.Errorf("cannot write %s: %w", event.Type, errWriterCompleted)
	case s.state == writerTerminal && event.Type != api.EventDone:
		return fmt.Errorf("cannot write %s after a terminal event", event.Type)
	}

	if s.state == writerIdle {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.state = writerStreaming
	}

	if event.Type == api.EventResponseCreated && event.Response != nil && s.onResponseCreated != nil {
		s.onResponseCreated(event.Response.ID)
		s.onResponseCreated = nil
	}

	var data []byte
	if event.Type == api.EventDone {
		data = []byte("[DONE]")
	} else {
		var err error
		if data, err = json.Marshal(event); err != nil {
			return fmt.Errorf("marshal %s event: %w", event.Type, err)
		}
		s.nextSeq = event.SequenceNumber + 1
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write %s event: %w", event.Type, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush %s event: %w", event.Type, err)
	}

	switch {
	case event.Type == api.EventDone:
		s.state = writerCompleted
	case event.Type.IsTerminal():
		s.state = writerTerminal
	}
	return nil
}

// WriteResponse sends a complete non-streaming JSON response.
func (s *sseResponseWriter) WriteResponse(_ context.Context, resp *api.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case writerStreaming, writerTerminal:
		return errors.New("cannot write response: streaming has already started")
	case writerCompleted:
		return fmt.Errorf("cannot write response: %w", errWriterCompleted)
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted

	if err := json.NewEncoder(s.w).Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *sseResponseWriter) Flush() error {
	return s.rc.Flush()
}

// streamState reports whether any event was written and whether the stream
// is still open for more, along with the next sequence number.
func (s *sseResponseWriter) streamState() (started, open bool, next int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started = s.state == writerStreaming || s.state == writerTerminal ||
		(s.state == writerCompleted && s.w.Header().Get("Content-Type") == "text/event-stream")
	return started, s.state == writerStreaming, s.nextSeq
}

// abort closes a stream that ended without its terminal events: it writes
// response.failed with the next sequence number, then done.
func (s *sseResponseWriter) abort(responseID string, apiErr *api.APIError) {
	started, open, seq := s.streamState()
	if !started || !open {
		return
	}
	failed := api.StreamEvent{
		Type:           api.EventResponseFailed,
		SequenceNumber: seq,
		Response: &api.Response{
			ID:     responseID,
			Object: "response",
			Status: api.ResponseStatusFailed,
			Error:  apiErr,
		},
		Error: apiErr,
	}
	if err := s.WriteEvent(context.Background(), failed); err != nil {
		return
	}
	_ = s.WriteEvent(context.Background(), api.StreamEvent{Type: api.EventDone})
}
