package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/toolcall"
)

// EventWriter receives rendered stream events. transport.ResponseWriter
// satisfies it.
type EventWriter interface {
	WriteEvent(ctx context.Context, event api.StreamEvent) error
}

// StreamOptions describes the response a StreamAdapter renders.
type StreamOptions struct {
	ResponseID   string
	Model        string
	Created      int64
	IncludeUsage bool

	// Parser enables inline tool-call extraction when non-nil.
	Parser *toolcall.Options
}

// callState tracks the lifecycle of one streamed function_call item.
type callState struct {
	id          string
	name        string
	ordinal     int
	outputIndex int
	lastArgs    string
	added       bool
	done        bool
}

// StreamAdapter renders canonical events as Responses API stream events.
// sequence_number starts at 0 and has no gaps; the closing done event is not
// numbered. After the first write error every later write is dropped. All
// methods are safe for concurrent use.
type StreamAdapter struct {
	ctx  context.Context
	w    EventWriter
	opts StreamOptions

	mu       sync.Mutex
	seq      int
	created  bool
	finished bool
	writeErr error

	messageID string
	text      strings.Builder
	hasDelta  bool
	parser    *toolcall.Parser

	agg       *toolcall.Aggregator
	calls     map[string]*callState
	byOrdinal map[int]*callState
	order     []*callState
	parsed    int
	native    int

	usage   TokenUsage
	reasons []string
	status  api.ResponseStatus
}

// NewStreamAdapter returns an adapter writing to w.
func NewStreamAdapter(ctx context.Context, w EventWriter, opts StreamOptions) *StreamAdapter {
	a := &StreamAdapter{
		ctx:       ctx,
		w:         w,
		opts:      opts,
		messageID: api.NewMessageID(),
		agg:       toolcall.NewAggregator(),
		calls:     make(map[string]*callState),
		byOrdinal: make(map[int]*callState),
	}
	if opts.Parser != nil {
		a.parser = toolcall.NewParser(*opts.Parser)
	}
	return a
}

// Started reports whether any event reached the writer.
func (a *StreamAdapter) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.created
}

// Err returns the first write error.
func (a *StreamAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeErr
}

// ToolCalls returns how many calls were streamed from worker tool events and
// how many were parsed from inline text.
func (a *StreamAdapter) ToolCalls() (native, inline int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.native, a.parsed
}

// Closed reports whether the response was completed or failed.
func (a *StreamAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// Status returns the final response status, empty while the stream is open.
func (a *StreamAdapter) Status() api.ResponseStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Usage returns the latest reported token counts.
func (a *StreamAdapter) Usage() TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Handle renders one canonical event. It returns the first write error, if
// any, so the caller can stop reading from the worker.
func (a *StreamAdapter) Handle(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return a.writeErr
	}

	switch ev.Type {
	case EventTextDelta:
		a.hasDelta = true
		a.emitText(ev.Text)
	case EventText:
		// Deltas already carried this text.
		if a.hasDelta {
			break
		}
		a.emitText(ev.Text)
	case EventToolCallsDelta, EventFunctionCallDelta:
		for _, u := range a.agg.IngestDelta(ev.Choice, ev.Fragments) {
			a.emitToolUpdate(u, false)
		}
	case EventToolCalls, EventFunctionCall:
		for _, u := range a.agg.IngestMessage(ev.Choice, ev.Fragments, true) {
			a.emitToolUpdate(u, false)
		}
	case EventUsage:
		a.usage = ev.Usage
	case EventFinish:
		if ev.Reason != "" {
			a.reasons = append(a.reasons, ev.Reason)
		}
	}
	return a.writeErr
}

// Finalize drains the inline parser, closes every open item and writes
// response.completed followed by done. It is a no-op once the stream ended.
func (a *StreamAdapter) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return a.writeErr
	}

	if a.parser != nil {
		a.applyParse(a.parser.Flush())
		if a.finished {
			return a.writeErr
		}
	}

	text := a.text.String()
	a.write(api.StreamEvent{
		Type:        api.EventOutputTextDone,
		OutputIndex: api.Index(0),
		ItemID:      a.messageID,
		Text:        api.String(text),
	})

	calls := a.agg.Snapshot(0)
	for i, c := range calls {
		u := toolcall.Update{Ordinal: -1, ID: c.ID, Type: c.Type, Name: c.Function.Name, Arguments: c.Function.Arguments}
		if st := a.lookupCall(c.ID, -1); st != nil {
			u.Ordinal = st.ordinal
		}
		st := a.emitToolUpdate(u, false)
		a.finishCall(st)
		calls[i].ID = st.id
		calls[i].Function.Arguments = st.lastArgs
	}

	var usage *api.Usage
	if a.opts.IncludeUsage {
		usage = a.usage.API()
	}
	a.status = mapFinishStatus(a.reasons)
	resp := BuildEnvelope(EnvelopeParams{
		ResponseID: a.opts.ResponseID,
		Model:      a.opts.Model,
		Created:    a.opts.Created,
		Status:     a.status,
		MessageID:  a.messageID,
		Text:       text,
		Calls:      calls,
		Usage:      usage,
	})
	a.write(api.StreamEvent{Type: api.EventResponseCompleted, Response: resp})
	a.write(api.StreamEvent{Type: api.EventDone})
	a.finished = true
	return a.writeErr
}

// Fail writes response.failed carrying apiErr followed by done. It is a
// no-op once the stream ended.
func (a *StreamAdapter) Fail(apiErr *api.APIError) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail(apiErr)
	return a.writeErr
}

func (a *StreamAdapter) fail(apiErr *api.APIError) {
	if a.finished {
		return
	}
	a.status = api.ResponseStatusFailed
	a.write(api.StreamEvent{
		Type: api.EventResponseFailed,
		Response: &api.Response{
			ID:      a.opts.ResponseID,
			Object:  "response",
			Created: a.opts.Created,
			Status:  api.ResponseStatusFailed,
			Model:   a.opts.Model,
			Error:   apiErr,
		},
		Error: apiErr,
	})
	a.write(api.StreamEvent{Type: api.EventDone})
	a.finished = true
}

func (a *StreamAdapter) emitText(text string) {
	if text == "" {
		return
	}
	if a.parser == nil {
		a.emitDelta(text)
		return
	}
	a.applyParse(a.parser.Ingest(text))
}

func (a *StreamAdapter) emitDelta(text string) {
	if text == "" {
		return
	}
	a.text.WriteString(text)
	a.write(api.StreamEvent{
		Type:        api.EventOutputTextDelta,
		OutputIndex: api.Index(0),
		ItemID:      a.messageID,
		Delta:       text,
	})
}

func (a *StreamAdapter) applyParse(res toolcall.Result) {
	for _, t := range res.VisibleText {
		a.emitDelta(t)
	}
	for _, pe := range res.Errors {
		debug.Log("stream", "inline tool call rejected", "code", pe.Code, "tool", pe.Name, "strict", pe.Strict)
	}
	if fatal := res.Fatal(); fatal != nil {
		a.reasons = append(a.reasons, "failed")
		a.fail(&api.APIError{
			Type:    api.ErrorTypeServerError,
			Code:    "stream_adapter_error",
			Message: "strict tool_call parse failure",
			Status:  http.StatusInternalServerError,
		})
		return
	}
	for _, pc := range res.Calls {
		a.parsed++
		frag := toolcall.Fragment{
			ID:           fmt.Sprintf("fc_%03d", a.parsed),
			Type:         "function",
			Name:         pc.Name,
			Arguments:    pc.Arguments,
			HasArguments: true,
		}
		for _, u := range a.agg.IngestMessage(0, []toolcall.Fragment{frag}, true) {
			st := a.emitToolUpdate(u, true)
			a.finishCall(st)
		}
	}
}

// lookupCall resolves a streamed call by id first and ordinal second.
func (a *StreamAdapter) lookupCall(id string, ordinal int) *callState {
	if id != "" {
		if st, ok := a.calls[id]; ok {
			return st
		}
	}
	if ordinal >= 0 {
		if st, ok := a.byOrdinal[ordinal]; ok {
			return st
		}
	}
	return nil
}

// emitToolUpdate opens the call's item on first sight and streams the
// arguments suffix not yet sent. A resend that does not extend what was sent
// emits nothing. A call keeps the item id it was opened with even if the
// worker names it later.
func (a *StreamAdapter) emitToolUpdate(u toolcall.Update, inline bool) *callState {
	id := u.ID
	if id == "" {
		id = toolcall.FallbackID(0, u.Ordinal)
	}
	st := a.lookupCall(id, u.Ordinal)
	if st == nil {
		st = &callState{id: id, ordinal: u.Ordinal, outputIndex: len(a.order) + 1}
		a.byOrdinal[u.Ordinal] = st
		a.order = append(a.order, st)
		if !inline {
			a.native++
		}
	}
	a.calls[id] = st
	if u.Name != "" {
		st.name = u.Name
	}
	if st.done {
		return st
	}
	if !st.added {
		st.added = true
		item := api.NewFunctionCallItem(st.id, st.id, st.name, "", api.ItemStatusInProgress)
		item.Type = itemTypeFor(u.Type)
		a.write(api.StreamEvent{
			Type:        api.EventOutputItemAdded,
			OutputIndex: api.Index(st.outputIndex),
			Item:        &item,
		})
	}
	if len(u.Arguments) > len(st.lastArgs) && strings.HasPrefix(u.Arguments, st.lastArgs) {
		delta := u.Arguments[len(st.lastArgs):]
		st.lastArgs = u.Arguments
		a.write(api.StreamEvent{
			Type:        api.EventFunctionCallArgsDelta,
			OutputIndex: api.Index(st.outputIndex),
			ItemID:      st.id,
			Delta:       delta,
		})
	}
	return st
}

// finishCall closes st with the arguments actually streamed, so the joined
// deltas always equal the reported arguments.
func (a *StreamAdapter) finishCall(st *callState) {
	if st.done {
		return
	}
	st.done = true
	args := st.lastArgs
	a.write(api.StreamEvent{
		Type:        api.EventFunctionCallArgsDone,
		OutputIndex: api.Index(st.outputIndex),
		ItemID:      st.id,
		Arguments:   api.String(args),
	})
	item := api.NewFunctionCallItem(st.id, st.id, st.name, args, api.ItemStatusCompleted)
	a.write(api.StreamEvent{
		Type:        api.EventOutputItemDone,
		OutputIndex: api.Index(st.outputIndex),
		Item:        &item,
	})
}

// write numbers and sends one event, emitting response.created first.
func (a *StreamAdapter) write(ev api.StreamEvent) {
	if a.writeErr != nil {
		return
	}
	if !a.created && ev.Type != api.EventDone {
		a.created = true
		a.send(api.StreamEvent{
			Type: api.EventResponseCreated,
			Response: &api.Response{
				ID:      a.opts.ResponseID,
				Object:  "response",
				Created: a.opts.Created,
				Status:  api.ResponseStatusInProgress,
				Model:   a.opts.Model,
			},
		})
		if a.writeErr != nil {
			return
		}
	}
	a.send(ev)
}

func (a *StreamAdapter) send(ev api.StreamEvent) {
	if ev.Type != api.EventDone {
		ev.SequenceNumber = a.seq
		a.seq++
	}
	if err := a.w.WriteEvent(a.ctx, ev); err != nil {
		debug.Log("stream", "event write failed", "type", ev.Type, "error", err)
		a.writeErr = err
	}
}

// itemTypeFor maps a worker call type onto the output item type.
func itemTypeFor(typ string) api.ItemType {
	if typ == "" || typ == "function" {
		return api.ItemTypeFunctionCall
	}
	return api.ItemType(typ)
}

// mapFinishStatus folds finish reasons into a response status. failed wins
// over incomplete, which wins over completed.
func mapFinishStatus(reasons []string) api.ResponseStatus {
	status := api.ResponseStatusCompleted
	for _, r := range reasons {
		switch strings.ToLower(r) {
		case "failed", "error", "cancelled", "canceled":
			return api.ResponseStatusFailed
		case "length", "content_filter":
			status = api.ResponseStatusIncomplete
		}
	}
	return status
}
