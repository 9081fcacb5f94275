package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rhuss/codexgate/pkg/api"
)

// EventKind identifies what a context event carries.
type EventKind int

const (
	// EventDelta carries a streamed delta payload.
	EventDelta EventKind = iota + 1
	// EventMessage carries the final assistant message payload.
	EventMessage
	// EventUsage carries an updated usage snapshot.
	EventUsage
	// EventNotification carries a raw notification no typed kind covers,
	// including synthetic dynamic tool call requests.
	EventNotification
	// EventOutputItem carries a Responses style output item or function
	// call arguments notification; Method is its event type.
	EventOutputItem
	// EventResult ends the stream successfully and carries the Summary.
	EventResult
	// EventError ends the stream with Err.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventMessage:
		return "message"
	case EventUsage:
		return "usage"
	case EventNotification:
		return "notification"
	case EventOutputItem:
		return "output_item"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	}
	return "unknown"
}

// MethodDynamicToolCall is the notification method used for tool calls the
// worker wants the client to execute, both real and shimmed.
const MethodDynamicToolCall = "dynamic_tool_call_request"

// Event is one item on a RequestContext's event channel.
type Event struct {
	Kind    EventKind
	Method  string
	Payload json.RawMessage
	Usage   *Usage
	Summary *Summary
	Err     error
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventResult || e.Kind == EventError
}

// Usage holds the most recent token counts reported by the worker.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Summary is the state of a completed context.
type Summary struct {
	RequestID      string
	ConversationID string
	Result         json.RawMessage
	FinalMessage   json.RawMessage
	Deltas         int
	Usage          Usage
	FinishReason   string
}

// RequestContext correlates one client request with one worker turn. The
// transport owns and mutates it; callers observe it through Events, Done,
// and Err.
type RequestContext struct {
	requestID            string
	clientConversationID string
	createdAt            time.Time
	grace                time.Duration

	box  *mailbox
	done chan struct{}

	mu               sync.Mutex
	threadID         string
	turnID           string
	turnRPCID        int64
	deltas           int
	seenContentDelta bool
	finalMessage     json.RawMessage
	result           json.RawMessage
	usage            Usage
	finishReason     string
	completed        bool
	registered       bool
	err              error
	summary          *Summary
	timeout          *time.Timer
	completionTimer  *time.Timer
}

func newRequestContext(ctx context.Context, requestID string, grace time.Duration) *RequestContext {
	rc := &RequestContext{
		requestID:            requestID,
		clientConversationID: "ctx_" + api.RandomAlphanumeric(12),
		createdAt:            time.Now(),
		grace:                grace,
		box:                  newMailbox(),
		done:                 make(chan struct{}),
	}
	go rc.box.run(ctx.Done())
	return rc
}

// ID returns the request id the context was created with.
func (rc *RequestContext) ID() string { return rc.requestID }

// ClientConversationID is the gateway-side id that exists before the worker
// confirms a thread.
func (rc *RequestContext) ClientConversationID() string { return rc.clientConversationID }

// ThreadID returns the worker thread id, or "" until it is known.
func (rc *RequestContext) ThreadID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.threadID
}

// TurnID returns the worker turn id reported by turn/start, if any.
func (rc *RequestContext) TurnID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.turnID
}

// ConversationID returns the thread id when known, else the client id.
func (rc *RequestContext) ConversationID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.threadID != "" {
		return rc.threadID
	}
	return rc.clientConversationID
}

// Events returns the single-consumer event channel. It is closed after the
// terminal event, after Release, or when the context passed to
// CreateChatRequest is done.
func (rc *RequestContext) Events() <-chan Event { return rc.box.out }

// Done is closed once the context is finalized.
func (rc *RequestContext) Done() <-chan struct{} { return rc.done }

// Err returns the failure, or nil for completed and released contexts.
func (rc *RequestContext) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

// Summary returns the completion summary, or nil unless completed
// successfully.
func (rc *RequestContext) Summary() *Summary {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.summary
}

// Usage returns the latest usage snapshot.
func (rc *RequestContext) Usage() Usage {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.usage
}

// Completed reports whether the context has been finalized.
func (rc *RequestContext) Completed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.completed
}

func (rc *RequestContext) setThreadID(id string) {
	rc.mu.Lock()
	rc.threadID = id
	rc.mu.Unlock()
}

func (rc *RequestContext) addDelta(payload json.RawMessage) {
	rc.mu.Lock()
	if rc.completed {
		rc.mu.Unlock()
		return
	}
	rc.deltas++
	rc.mu.Unlock()
	rc.box.push(Event{Kind: EventDelta, Payload: payload})
}

func (rc *RequestContext) setFinalMessage(payload json.RawMessage) {
	rc.mu.Lock()
	if rc.completed {
		rc.mu.Unlock()
		return
	}
	rc.finalMessage = payload
	rc.mu.Unlock()
	rc.box.push(Event{Kind: EventMessage, Payload: payload})
}

func (rc *RequestContext) setFinishReason(reason string) {
	if reason == "" {
		return
	}
	rc.mu.Lock()
	rc.finishReason = reason
	rc.mu.Unlock()
}

func (rc *RequestContext) setResult(payload json.RawMessage) {
	rc.mu.Lock()
	if payload == nil {
		payload = json.RawMessage("null")
	}
	rc.result = payload
	rc.mu.Unlock()
}

// updateUsage applies fn to the usage counters and publishes a snapshot.
func (rc *RequestContext) updateUsage(fn func(u *Usage, finish *string), payload json.RawMessage) {
	rc.mu.Lock()
	if rc.completed {
		rc.mu.Unlock()
		return
	}
	fn(&rc.usage, &rc.finishReason)
	snapshot := rc.usage
	rc.mu.Unlock()
	rc.box.push(Event{Kind: EventUsage, Payload: payload, Usage: &snapshot})
}

func (rc *RequestContext) pushOutputItem(method string, payload json.RawMessage) {
	if rc.Completed() {
		return
	}
	rc.box.push(Event{Kind: EventOutputItem, Method: method, Payload: payload})
}

func (rc *RequestContext) notify(method string, payload json.RawMessage) {
	if rc.Completed() {
		return
	}
	rc.box.push(Event{Kind: EventNotification, Method: method, Payload: payload})
}

// buildSummary must be called with rc.mu held.
func (rc *RequestContext) buildSummary() *Summary {
	conv := rc.threadID
	if conv == "" {
		conv = rc.clientConversationID
	}
	return &Summary{
		RequestID:      rc.requestID,
		ConversationID: conv,
		Result:         rc.result,
		FinalMessage:   rc.finalMessage,
		Deltas:         rc.deltas,
		Usage:          rc.usage,
		FinishReason:   rc.finishReason,
	}
}

// mailbox is an unbounded FIFO drained into out by a pump goroutine, so the
// line reader never blocks on a slow consumer.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1), out: make(chan Event)}
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.signal()
}

// pushLast enqueues ev and closes the mailbox atomically.
func (m *mailbox) pushLast(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(stop <-chan struct{}) {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-m.wake:
			case <-stop:
				return
			}
			continue
		}
		ev := m.queue[0]
		m.queue[0] = Event{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-stop:
			return
		}
	}
}
