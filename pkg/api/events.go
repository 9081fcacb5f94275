package api

// StreamEventType identifies the type of a streaming event.
type StreamEventType string

// Output events carry incremental content.
const (
	EventOutputItemAdded       StreamEventType = "response.output_item.added"
	EventOutputTextDelta       StreamEventType = "response.output_text.delta"
	EventOutputTextDone        StreamEventType = "response.output_text.done"
	EventFunctionCallArgsDelta StreamEventType = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone  StreamEventType = "response.function_call_arguments.done"
	EventOutputItemDone        StreamEventType = "response.output_item.done"
)

// Lifecycle events.
const (
	EventResponseCreated   StreamEventType = "response.created"
	EventResponseCompleted StreamEventType = "response.completed"
	EventResponseFailed    StreamEventType = "response.failed"
)

// EventDone is the sentinel that closes every stream. Its data is the
// literal [DONE] rather than JSON.
const EventDone StreamEventType = "done"

// StreamEvent is a single server-sent event. SequenceNumber is assigned by
// the stream renderer.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	SequenceNumber int             `json:"sequence_number"`
	ResponseID     string          `json:"response_id,omitempty"`
	Response       *Response       `json:"response,omitempty"`
	OutputIndex    *int            `json:"output_index,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	Item           *Item           `json:"item,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	Text           *string         `json:"text,omitempty"`
	Arguments      *string         `json:"arguments,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

// IsTerminal reports whether the event ends a stream.
func (t StreamEventType) IsTerminal() bool {
	return t == EventResponseCompleted || t == EventResponseFailed
}

// Index returns a pointer for the output_index field.
func Index(i int) *int { return &i }

// String returns a pointer for optional string fields.
func String(s string) *string { return &s }
