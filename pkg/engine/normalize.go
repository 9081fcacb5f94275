package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/toolcall"
)

// EventType names a canonical event.
type EventType string

const (
	EventTextDelta         EventType = "text_delta"
	EventText              EventType = "text"
	EventToolCallsDelta    EventType = "tool_calls_delta"
	EventToolCalls         EventType = "tool_calls"
	EventFunctionCallDelta EventType = "function_call_delta"
	EventFunctionCall      EventType = "function_call"
	EventUsage             EventType = "usage"
	EventFinish            EventType = "finish"
)

// Finish triggers tell a normal completion apart from the gateway ending
// the stream on its own.
const (
	TriggerTaskComplete = "task_complete"
	TriggerToolCall     = "dynamic_tool_call"
	TriggerTimeout      = "timeout"
	TriggerDisconnect   = "disconnect"
)

// Event is one canonical event. Choice is always 0; multiple choices are
// rejected before a turn starts.
type Event struct {
	Type      EventType
	Choice    int
	Text      string
	Fragments []toolcall.Fragment
	Usage     TokenUsage
	Reason    string
	Trigger   string
}

// TokenUsage holds the most recent counts; nil means not reported.
type TokenUsage struct {
	Prompt     *int
	Completion *int
}

// Known reports whether any count has been reported.
func (u TokenUsage) Known() bool {
	return u.Prompt != nil || u.Completion != nil
}

// API converts the counts to the envelope shape. The total is only set when
// both sides are known.
func (u TokenUsage) API() *api.Usage {
	if !u.Known() {
		return nil
	}
	out := &api.Usage{}
	if u.Prompt != nil {
		out.InputTokens = *u.Prompt
	}
	if u.Completion != nil {
		out.OutputTokens = *u.Completion
	}
	if u.Prompt != nil && u.Completion != nil {
		out.TotalTokens = *u.Prompt + *u.Completion
	}
	return out
}

// Result is what a normalizer saw by the time the stream ended.
type Result struct {
	Reason   string
	Trigger  string
	Usage    TokenUsage
	Finished bool
}

// Normalizer turns worker event lines into canonical events. A line is a
// JSON object {"type": ..., "msg": {...}}; the type may also sit inside msg.
// Once a finish event is emitted nothing more is forwarded. A Normalizer is
// not safe for concurrent use.
type Normalizer struct {
	emit     func(Event)
	items    map[string]outputItem
	usage    TokenUsage
	reason   string
	trigger  string
	finished bool
}

// NewNormalizer returns a normalizer delivering events to emit.
func NewNormalizer(emit func(Event)) *Normalizer {
	return &Normalizer{emit: emit, items: make(map[string]outputItem)}
}

// outputItem remembers where a Responses style function_call item lives so
// argument events, which only name the item, reach the same call.
type outputItem struct {
	ordinal int
	callID  string
}

// Result returns the finish state and the latest usage.
func (n *Normalizer) Result() Result {
	return Result{Reason: n.reason, Trigger: n.trigger, Usage: n.usage, Finished: n.finished}
}

// Finished reports whether a finish event was emitted.
func (n *Normalizer) Finished() bool { return n.finished }

// HandleLine decodes and dispatches one line. It returns true once the
// stream is finished.
func (n *Normalizer) HandleLine(line []byte) bool {
	if n.finished {
		return true
	}
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return false
	}
	if !gjson.Valid(trimmed) {
		debug.Log("stream", "skipping malformed event line", "line", debug.Truncate(trimmed, 200))
		return false
	}
	parsed := gjson.Parse(trimmed)
	msg := parsed.Get("msg")
	if !msg.Exists() {
		msg = parsed.Get("params.msg")
	}
	typ := parsed.Get("type").String()
	if typ == "" {
		typ = msg.Get("type").String()
	}
	if typ == "" {
		typ = parsed.Get("method").String()
	}
	typ = strings.TrimPrefix(strings.ToLower(typ), "codex/event/")

	switch typ {
	case "agent_message_delta", "agent_message_content_delta":
		n.handleDelta(msg.Get("delta"))
	case "agent_message":
		if r := firstString(msg, "finish_reason", "finishReason"); r != "" {
			n.reason = r
		}
		n.handleMessage(msg)
	case "token_count":
		n.applyUsage(msg)
	case "response.output_item.added", "response.output_item.done":
		n.handleOutputItem(msg, strings.HasSuffix(typ, ".done"))
	case "response.function_call_arguments.delta", "response.function_call_arguments.done":
		n.handleArguments(msg, strings.HasSuffix(typ, ".done"))
	case "dynamic_tool_call_request":
		if frag, ok := dynamicToolFragment(msg); ok {
			n.emit(Event{Type: EventToolCallsDelta, Fragments: []toolcall.Fragment{frag}})
		}
	case "task_complete":
		reason := n.reason
		n.applyUsage(msg)
		if reason == "" {
			reason = firstString(msg, "finish_reason", "finishReason")
		}
		if reason == "" {
			reason = "stop"
		}
		n.Finish(reason, TriggerTaskComplete)
	default:
		debug.Log("stream", "ignoring event line", "type", typ)
	}
	return n.finished
}

// Finish emits the terminal finish event. Later calls are no-ops.
func (n *Normalizer) Finish(reason, trigger string) {
	if n.finished {
		return
	}
	n.finished = true
	n.reason = reason
	n.trigger = trigger
	n.emit(Event{Type: EventFinish, Reason: reason, Trigger: trigger})
}

func (n *Normalizer) handleDelta(delta gjson.Result) {
	if delta.Type == gjson.String {
		if delta.String() != "" {
			n.emit(Event{Type: EventTextDelta, Text: delta.String()})
		}
		return
	}
	if !delta.IsObject() {
		return
	}
	var parts []string
	if c := delta.Get("content"); c.Type == gjson.String {
		parts = append(parts, c.String())
	} else if c.IsArray() {
		c.ForEach(func(_, part gjson.Result) bool {
			parts = append(parts, textParts(part)...)
			return true
		})
	}
	if t := delta.Get("text"); t.Type == gjson.String {
		parts = append(parts, t.String())
	}
	for _, p := range parts {
		if p != "" {
			n.emit(Event{Type: EventTextDelta, Text: p})
		}
	}
	if frags := toolCallFragments(delta); len(frags) > 0 {
		n.emit(Event{Type: EventToolCallsDelta, Fragments: frags})
	}
	if frag, ok := functionCallFragment(delta); ok {
		n.emit(Event{Type: EventFunctionCallDelta, Fragments: []toolcall.Fragment{frag}})
	}
}

// handleOutputItem turns a function_call output item into a tool call
// fragment. Items of any other type carry nothing the stream needs: their
// text also arrives as agent message deltas.
func (n *Normalizer) handleOutputItem(msg gjson.Result, done bool) {
	item := msg.Get("item")
	if !item.IsObject() || item.Get("type").String() != "function_call" {
		return
	}
	itemID := item.Get("id").String()
	ref := n.itemRef(msg, itemID)
	if id := firstString(item, "call_id", "callId"); id != "" {
		ref.callID = id
	} else if ref.callID == "" {
		ref.callID = itemID
	}
	if itemID != "" {
		n.items[itemID] = ref
	}

	ord := ref.ordinal
	frag := toolcall.Fragment{Index: &ord, ID: ref.callID, Type: "function", Name: item.Get("name").String()}
	if a := item.Get("arguments"); a.Type == gjson.String && (done || a.String() != "") {
		frag.Arguments, frag.HasArguments = a.String(), true
	}
	typ := EventToolCallsDelta
	if done {
		typ = EventToolCalls
	}
	n.emit(Event{Type: typ, Fragments: []toolcall.Fragment{frag}})
}

// handleArguments routes function_call_arguments events to the call opened
// by the matching output item.
func (n *Normalizer) handleArguments(msg gjson.Result, done bool) {
	itemID := firstString(msg, "item_id", "itemId")
	ref := n.itemRef(msg, itemID)
	if itemID != "" {
		n.items[itemID] = ref
	}
	ord := ref.ordinal
	frag := toolcall.Fragment{Index: &ord, ID: ref.callID, HasArguments: true}
	if done {
		frag.Arguments = msg.Get("arguments").String()
		n.emit(Event{Type: EventToolCalls, Fragments: []toolcall.Fragment{frag}})
		return
	}
	frag.Arguments = msg.Get("delta").String()
	if frag.Arguments == "" {
		return
	}
	n.emit(Event{Type: EventToolCallsDelta, Fragments: []toolcall.Fragment{frag}})
}

// itemRef returns the known slot for itemID, or a new one at output_index
// (next free ordinal when absent).
func (n *Normalizer) itemRef(msg gjson.Result, itemID string) outputItem {
	if ref, ok := n.items[itemID]; ok && itemID != "" {
		return ref
	}
	if v := firstExisting(msg, "output_index", "outputIndex"); v.Type == gjson.Number {
		return outputItem{ordinal: int(v.Int())}
	}
	return outputItem{ordinal: len(n.items)}
}

func (n *Normalizer) handleMessage(payload gjson.Result) {
	message := payload
	if m := payload.Get("message"); m.Exists() && m.Type != gjson.Null {
		message = m
	}
	if message.Type == gjson.String {
		if message.String() != "" {
			n.emit(Event{Type: EventText, Text: message.String()})
		}
		return
	}
	if !message.IsObject() {
		return
	}
	content := message.Get("content")
	if !content.Exists() {
		content = message.Get("text")
	}
	for _, p := range textParts(content) {
		if p != "" {
			n.emit(Event{Type: EventText, Text: p})
		}
	}
	if frags := toolCallFragments(message); len(frags) > 0 {
		n.emit(Event{Type: EventToolCalls, Fragments: frags})
	}
	if frag, ok := functionCallFragment(message); ok {
		n.emit(Event{Type: EventFunctionCall, Fragments: []toolcall.Fragment{frag}})
	}
}

func (n *Normalizer) applyUsage(msg gjson.Result) {
	src := msg
	if u := msg.Get("usage"); u.IsObject() {
		src = u
	} else if u := msg.Get("info.total_token_usage"); u.IsObject() {
		src = u
	}
	changed := false
	if v := firstExisting(src, "prompt_tokens", "input_tokens", "inputTokens"); v.Type == gjson.Number {
		p := int(v.Int())
		n.usage.Prompt = &p
		changed = true
	}
	if v := firstExisting(src, "completion_tokens", "output_tokens", "outputTokens"); v.Type == gjson.Number {
		c := int(v.Int())
		n.usage.Completion = &c
		changed = true
	}
	if r := firstString(msg, "finish_reason", "finishReason"); r != "" {
		n.reason = r
	}
	if changed {
		n.emit(Event{Type: EventUsage, Usage: n.usage})
	}
}

// textParts flattens a string, a {text}/{content} object or an array of
// parts into plain strings.
func textParts(v gjson.Result) []string {
	switch {
	case v.Type == gjson.String:
		return []string{v.String()}
	case v.IsArray():
		var out []string
		v.ForEach(func(_, part gjson.Result) bool {
			out = append(out, textParts(part)...)
			return true
		})
		return out
	case v.IsObject():
		if t := v.Get("text"); t.Type == gjson.String {
			return []string{t.String()}
		}
		if c := v.Get("content"); c.Exists() {
			return textParts(c)
		}
	}
	return nil
}

func toolCallFragments(v gjson.Result) []toolcall.Fragment {
	calls := v.Get("tool_calls")
	if !calls.IsArray() {
		calls = v.Get("toolCalls")
	}
	if !calls.IsArray() || len(calls.Array()) == 0 {
		return nil
	}
	frags, err := toolcall.FragmentsFromToolCalls(json.RawMessage(calls.Raw))
	if err != nil {
		debug.Log("stream", "skipping undecodable tool_calls", "error", err)
		return nil
	}
	return frags
}

func functionCallFragment(v gjson.Result) (toolcall.Fragment, bool) {
	fc := v.Get("function_call")
	if !fc.IsObject() {
		fc = v.Get("functionCall")
	}
	if !fc.IsObject() {
		return toolcall.Fragment{}, false
	}
	frag, err := toolcall.FragmentFromFunctionCall(json.RawMessage(fc.Raw))
	if err != nil {
		debug.Log("stream", "skipping undecodable function_call", "error", err)
		return toolcall.Fragment{}, false
	}
	return frag, true
}

// dynamicToolFragment turns a dynamic tool call request into one complete
// tool call fragment.
func dynamicToolFragment(msg gjson.Result) (toolcall.Fragment, bool) {
	name := strings.TrimSpace(firstString(msg, "tool", "name"))
	if name == "" {
		return toolcall.Fragment{}, false
	}
	id := strings.TrimSpace(firstString(msg, "callId", "call_id", "id"))
	if id == "" {
		id = "dynamic_call_" + api.RandomAlphanumeric(8)
	}
	args := "{}"
	if a := firstExisting(msg, "arguments", "args", "input"); a.Exists() {
		if a.Type == gjson.String {
			args = a.String()
		} else {
			args = compactJSON(a.Raw)
		}
	}
	return toolcall.Fragment{
		ID:           id,
		Type:         "function",
		Name:         name,
		Arguments:    args,
		HasArguments: true,
	}, true
}

func compactJSON(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}
