package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/jsonrpc"
	"github.com/rhuss/codexgate/pkg/observability"
)

// MethodToolCall is the only server-initiated request the worker may send.
const MethodToolCall = "item/tool/call"

// PendingToolCall is a tool invocation the worker is waiting on.
type PendingToolCall struct {
	RPCID      json.RawMessage
	CallID     string
	ThreadID   string
	TurnID     string
	Tool       string
	ReceivedAt time.Time
}

// ToolCallRequest is the payload of a dynamic_tool_call_request notification.
type ToolCallRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"callId"`
	ThreadID  string          `json:"threadId"`
	TurnID    *string         `json:"turnId"`
}

// ToolOutput is relayed back to the worker for a pending tool call. A string
// Output is sent as is; anything else is JSON encoded. Success defaults to
// true.
type ToolOutput struct {
	Output  any
	Success *bool
}

func (t *Transport) handleServerRequest(msg *jsonrpc.Message) {
	if msg.Method != MethodToolCall {
		t.replyError(msg.ID, jsonrpc.CodeMethodNotFound, "unsupported method: "+msg.Method)
		return
	}

	p := gjson.ParseBytes(msg.Params)
	callID := firstString(p, "callId", "call_id", "id", "callID")
	threadID := firstString(p, "threadId", "thread_id")
	tool := firstString(p, "tool", "name")
	turnID := firstString(p, "turnId", "turn_id")
	args := p.Get("arguments")
	if !args.Exists() {
		args = firstExisting(p, "args", "input")
	}

	if callID == "" || threadID == "" || tool == "" {
		t.replyError(msg.ID, jsonrpc.CodeInvalidRequest, "invalid tool call request")
		return
	}

	t.mu.Lock()
	rc := t.byConversation[threadID]
	t.toolCalls[callID] = &PendingToolCall{
		RPCID:      msg.ID,
		CallID:     callID,
		ThreadID:   threadID,
		TurnID:     turnID,
		Tool:       tool,
		ReceivedAt: time.Now(),
	}
	t.mu.Unlock()
	if rc == nil {
		rc = t.resolveContext(gjson.Parse(fmt.Sprintf(`{"threadId":%q}`, threadID)))
	}

	observability.ToolCallsTotal.WithLabelValues("dynamic").Inc()
	debug.Log("toolcall", "worker requested tool", "tool", tool, "call_id", callID, "thread_id", threadID)

	if rc == nil {
		t.logger.Warn("tool call request without an open request", "call_id", callID, "thread_id", threadID)
		return
	}
	rawArgs := json.RawMessage(args.Raw)
	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage("null")
	}
	t.emitToolCall(rc, ToolCallRequest{
		Tool:      tool,
		Arguments: rawArgs,
		CallID:    callID,
		ThreadID:  threadID,
		TurnID:    optional(turnID),
	})
}

func (t *Transport) emitToolCall(rc *RequestContext, req ToolCallRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		t.logger.Warn("failed to encode tool call request", "error", err)
		return
	}
	rc.notify(MethodDynamicToolCall, payload)
}

// RespondToToolCall writes the tool output back to the worker. It returns
// false when callID is unknown, already answered, or the write failed.
func (t *Transport) RespondToToolCall(callID string, out ToolOutput) bool {
	if callID == "" {
		return false
	}
	t.mu.Lock()
	pending := t.toolCalls[callID]
	t.mu.Unlock()
	if pending == nil {
		return false
	}

	text, ok := out.Output.(string)
	if !ok {
		data, err := json.Marshal(out.Output)
		if err != nil {
			text = fmt.Sprint(out.Output)
		} else {
			text = string(data)
		}
		if out.Output == nil {
			text = `""`
		}
	}
	success := true
	if out.Success != nil {
		success = *out.Success
	}

	msg, err := jsonrpc.NewResult(pending.RPCID, map[string]any{"output": text, "success": success})
	if err == nil {
		err = t.write(msg)
	}
	if err != nil {
		t.logger.Warn("failed to respond to tool call", "call_id", callID, "error", err)
		return false
	}

	t.mu.Lock()
	delete(t.toolCalls, callID)
	t.mu.Unlock()
	debug.Log("toolcall", "tool output relayed", "call_id", callID, "thread_id", pending.ThreadID)
	return true
}

// PendingToolCall returns the pending worker tool call for callID, or nil.
func (t *Transport) PendingToolCall(callID string) *PendingToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc := t.toolCalls[callID]; pc != nil {
		cp := *pc
		return &cp
	}
	return nil
}

func (t *Transport) replyError(id json.RawMessage, code int, message string) {
	if err := t.write(jsonrpc.NewErrorResponse(id, code, message)); err != nil {
		t.logger.Warn("failed to send error to worker", "error", err)
	}
}

// LoginDetails is the result of account/login/start.
type LoginDetails struct {
	AuthURL string `json:"auth_url,omitempty"`
	LoginID string `json:"login_id,omitempty"`
}

// LoginDetails asks the worker to start a ChatGPT login and returns the URL
// the operator should open. The result is cached per worker lifetime.
func (t *Transport) LoginDetails(ctx context.Context) (*LoginDetails, error) {
	t.mu.Lock()
	if t.login != nil {
		cached := *t.login
		t.mu.Unlock()
		return &cached, nil
	}
	t.mu.Unlock()

	if _, err := t.EnsureHandshake(ctx); err != nil {
		return nil, err
	}
	timeout := min(t.opts.RequestTimeout, 5*time.Second)
	result, err := t.call(ctx, nil, "account/login/start", map[string]any{"type": "chatgpt"}, timeout)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(result)
	if kind := res.Get("type").String(); kind != "" && !strings.EqualFold(kind, "chatgpt") {
		return nil, nil
	}
	details := &LoginDetails{
		AuthURL: firstString(res, "authUrl", "auth_url"),
		LoginID: firstString(res, "loginId", "login_id"),
	}
	if details.AuthURL == "" {
		return nil, nil
	}
	t.mu.Lock()
	t.login = details
	t.mu.Unlock()
	cached := *details
	return &cached, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
