package worker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/observability"
)

// Shimmed tool names exposed to clients in place of worker-internal tools.
const (
	ShimToolWebSearch     = "webSearch"
	ShimToolWriteToFile   = "writeToFile"
	ShimToolReplaceInFile = "replaceInFile"
)

// ShimToolCall remembers a synthetic tool call emitted for an intercepted
// internal tool event, so the client's output can be matched back to it.
type ShimToolCall struct {
	CallID    string
	ToolName  string
	Method    string
	ToolType  string
	RequestID string
	CreatedAt time.Time
}

var internalToolTypes = map[string]bool{
	"commandExecution": true,
	"fileChange":       true,
	"webSearch":        true,
	"WebSearch":        true,
	"mcpToolCall":      true,
}

var internalToolMethodPrefixes = []string{
	"item/commandExecution",
	"item/fileChange",
	"exec_command_",
	"fileChange_",
	"file_change_",
	"web_search_",
	"webSearch",
	"mcpToolCall",
}

// isInternalTool reports whether n belongs to a worker-internal tool.
func isInternalTool(n Notification) bool {
	if internalToolTypes[n.ToolType()] {
		return true
	}
	for _, prefix := range internalToolMethodPrefixes {
		if strings.HasPrefix(n.Method, prefix) {
			return true
		}
	}
	return false
}

// RegisterShimToolCall records a shimmed call. It returns false for an empty
// call id.
func (t *Transport) RegisterShimToolCall(call ShimToolCall) bool {
	if call.CallID == "" {
		return false
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}
	t.mu.Lock()
	t.shimCalls[call.CallID] = &call
	t.mu.Unlock()
	return true
}

// ConsumeShimToolCall removes and returns the shimmed call for callID, or nil.
func (t *Transport) ConsumeShimToolCall(callID string) *ShimToolCall {
	if callID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	call := t.shimCalls[callID]
	delete(t.shimCalls, callID)
	return call
}

func (t *Transport) hasShimCall(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.shimCalls[callID]
	return ok
}

// maybeShim maps an internal tool event onto a client-visible dynamic tool
// call. It returns true when the event was consumed, either by emitting a
// new synthetic call or because it belongs to one already emitted.
func (t *Transport) maybeShim(rc *RequestContext, n Notification) bool {
	p := n.Payload
	existing := shimCallID(p)
	if existing != "" && t.hasShimCall(existing) {
		return true
	}
	toolType := n.ToolType()
	if !shouldShim(toolType, n.Method, p) {
		return false
	}
	lower := strings.ToLower(n.Method)
	terminal := strings.Contains(lower, "finished") || strings.Contains(lower, "end") || strings.Contains(lower, "done")
	if terminal && existing == "" {
		return false
	}

	args := shimArgs(p)
	name := shimToolName(toolType, n.Method, args)
	if name == "" {
		return false
	}
	if name == ShimToolWebSearch {
		if _, ok := args["query"]; !ok {
			if q := firstExisting(p, "query", "item.query", "item.data.query", "data.query"); q.Exists() {
				args["query"] = q.String()
			}
		}
		if _, ok := args["chatHistory"].([]any); !ok {
			args["chatHistory"] = []any{}
		}
	}

	callID := existing
	if callID == "" {
		callID = "call_" + api.RandomAlphanumeric(12)
	}
	if t.hasShimCall(callID) {
		return true
	}
	t.RegisterShimToolCall(ShimToolCall{
		CallID:    callID,
		ToolName:  name,
		Method:    n.Method,
		ToolType:  toolType,
		RequestID: rc.requestID,
	})

	threadID := firstString(p, "threadId", "thread_id")
	if threadID == "" {
		threadID = rc.ConversationID()
	}
	turnID := firstString(p, "turnId", "turn_id")
	if turnID == "" {
		turnID = rc.TurnID()
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return false
	}
	t.emitToolCall(rc, ToolCallRequest{
		Tool:      name,
		Arguments: rawArgs,
		CallID:    callID,
		ThreadID:  threadID,
		TurnID:    optional(turnID),
	})
	observability.ToolCallsTotal.WithLabelValues("shim").Inc()
	t.logger.Warn("shimmed internal tool", "tool_type", toolType, "tool", name, "method", n.Method)
	return true
}

func shouldShim(toolType, method string, p gjson.Result) bool {
	switch {
	case toolType == "webSearch" || strings.HasPrefix(method, "web_search_"):
		return true
	case toolType == "fileChange" || strings.HasPrefix(method, "item/fileChange"):
		return true
	case toolType == "commandExecution" || strings.HasPrefix(method, "item/commandExecution"):
		return true
	case toolType == "mcpToolCall" || strings.HasPrefix(method, "mcpToolCall"):
		return true
	}
	if status := firstExisting(p, "item.status", "status", "item.state", "state"); status.Type == gjson.String {
		switch strings.ToLower(status.String()) {
		case "started", "begin":
			return true
		}
	}
	return strings.Contains(method, "begin") || strings.Contains(method, "started")
}

// shimToolName picks the client tool for an internal tool event. Command
// execution and MCP calls have no client equivalent.
func shimToolName(toolType, method string, args map[string]any) string {
	switch {
	case toolType == "webSearch" || strings.HasPrefix(method, "web_search_") || strings.HasPrefix(method, "webSearch"):
		return ShimToolWebSearch
	case toolType == "fileChange" || strings.HasPrefix(method, "item/fileChange") ||
		strings.HasPrefix(method, "fileChange_") || strings.HasPrefix(method, "file_change_"):
		if _, ok := args["diff"]; ok {
			return ShimToolReplaceInFile
		}
		return ShimToolWriteToFile
	}
	return ""
}

// shimArgs returns a copy of the first object among the usual argument
// locations, falling back to the payload itself.
func shimArgs(p gjson.Result) map[string]any {
	for _, path := range []string{"item.data", "item.input", "item.args", "data", "input", "args"} {
		if v := p.Get(path); v.IsObject() {
			if m, ok := v.Value().(map[string]any); ok {
				return m
			}
		}
	}
	if m, ok := p.Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func shimCallID(p gjson.Result) string {
	return firstString(p, "item.id", "item.callId", "item.call_id", "callId", "call_id", "id")
}
