package worker

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/jsonrpc"
)

func (t *Transport) handleNotification(msg *jsonrpc.Message) {
	n := DecodeNotification(msg.Method, msg.Params)
	rc := t.resolveContext(n.Params)
	if rc == nil {
		debug.Log("worker", "notification without context", "method", n.Method)
		return
	}

	if t.opts.DisableInternalTools && isInternalTool(n) {
		if t.maybeShim(rc, n) {
			return
		}
		t.logger.Warn("internal tool disabled; cancelling request", "request_id", rc.requestID, "method", n.Method)
		detail, _ := json.Marshal(map[string]any{"method": n.Method, "tool_type": nullable(n.ToolType())})
		t.fail(rc, &TransportError{
			Code:    CodeInternalToolsDisabled,
			Message: "internal tools disabled",
			Detail:  detail,
		})
		return
	}

	payload := json.RawMessage(n.Payload.Raw)
	switch n.Kind {
	case NotificationTokenUsage:
		usage := n.Payload.Get("tokenUsage")
		if !usage.Exists() {
			usage = n.Payload.Get("token_usage")
		}
		if !usage.Exists() {
			usage = n.Payload
		}
		rc.updateUsage(func(u *Usage, _ *string) { applyLastUsage(u, usage) }, payload)

	case NotificationAgentMessageContentDelta:
		rc.mu.Lock()
		rc.seenContentDelta = true
		rc.mu.Unlock()
		rc.addDelta(payload)

	case NotificationAgentMessageDelta:
		candidate := n.Payload
		if n.Payload.IsObject() {
			candidate = firstExisting(n.Payload, "delta", "content", "text")
		}
		rc.mu.Lock()
		skip := rc.seenContentDelta && candidate.Type == gjson.String
		rc.mu.Unlock()
		if !skip {
			rc.addDelta(payload)
		}

	case NotificationAgentMessage:
		rc.setFinalMessage(payload)
		rc.setFinishReason(firstString(n.Payload, "finish_reason", "finishReason"))
		t.scheduleCompletion(rc)

	case NotificationTokenCount:
		usage := n.Payload
		if u := n.Payload.Get("usage"); u.IsObject() {
			usage = u
		} else if u := n.Payload.Get("token_count"); u.IsObject() {
			usage = u
		}
		rc.updateUsage(func(u *Usage, finish *string) { applyUsage(u, finish, usage) }, payload)

	case NotificationOutputItem:
		if n.Payload.IsObject() && !n.Payload.Get("type").Exists() {
			if patched, err := sjson.SetBytes(payload, "type", n.Method); err == nil {
				payload = patched
			}
		}
		rc.pushOutputItem(n.Method, payload)

	case NotificationRequestTimeout:
		t.fail(rc, newError(CodeWorkerRequestTimeout, "worker reported timeout", true))

	case NotificationTaskComplete:
		rc.setFinishReason(firstString(n.Payload, "finish_reason", "finishReason"))
		rc.setResult(payload)
		t.scheduleCompletion(rc)

	case NotificationTurnCompleted:
		if firstString(n.Payload, "turn.status", "status") == "failed" {
			rc.setFinishReason("error")
		}
		rc.setResult(payload)
		t.scheduleCompletion(rc)

	case NotificationItemCompleted:
		t.handleItemCompleted(rc, n.Payload, payload)

	case NotificationError:
		if n.Payload.Get("willRetry").Bool() || n.Payload.Get("will_retry").Bool() {
			debug.Log("worker", "transient worker error", "request_id", rc.requestID)
			return
		}
		message := firstString(n.Payload, "error.message", "message")
		if message == "" {
			message = "worker error"
		}
		t.fail(rc, &TransportError{Code: CodeWorkerError, Message: message, Detail: payload})

	case NotificationUnknown:
		debug.Log("worker", "unhandled notification", "method", n.Method, "request_id", rc.requestID)
		rc.notify(msg.Method, json.RawMessage(n.Params.Raw))
	}
}

func (t *Transport) handleItemCompleted(rc *RequestContext, p gjson.Result, payload json.RawMessage) {
	item := p.Get("item")
	if !item.IsObject() {
		return
	}
	switch strings.ToLower(item.Get("type").String()) {
	case "agentmessage", "agent_message":
	default:
		return
	}

	rc.mu.Lock()
	hasFinal := rc.finalMessage != nil
	hasReason := rc.finishReason != ""
	rc.mu.Unlock()

	if !hasFinal {
		text := ""
		if v := item.Get("text"); v.Type == gjson.String {
			text = v.String()
		} else if content := item.Get("content"); content.IsArray() {
			var b strings.Builder
			content.ForEach(func(_, part gjson.Result) bool {
				if v := part.Get("text"); v.Type == gjson.String {
					b.WriteString(v.String())
				}
				return true
			})
			text = b.String()
		}
		if text != "" {
			msg, _ := json.Marshal(map[string]string{"message": text})
			rc.setFinalMessage(msg)
		}
	}
	if !hasReason {
		rc.setFinishReason("stop")
	}
	rc.setResult(payload)
	t.scheduleCompletion(rc)
}

// applyUsage reads prompt_tokens, completion_tokens, tokenUsage.last and
// finish_reason from a token count payload.
func applyUsage(u *Usage, finish *string, p gjson.Result) {
	if v := p.Get("prompt_tokens"); v.Type == gjson.Number {
		u.PromptTokens = int(v.Int())
	}
	if v := p.Get("completion_tokens"); v.Type == gjson.Number {
		u.CompletionTokens = int(v.Int())
	}
	applyLastUsage(u, p.Get("tokenUsage"))
	if v := p.Get("finish_reason"); v.Type == gjson.String && v.String() != "" {
		*finish = v.String()
	}
}

// applyLastUsage reads the per-turn counts from a tokenUsage object.
func applyLastUsage(u *Usage, tokenUsage gjson.Result) {
	last := tokenUsage.Get("last")
	if !last.IsObject() {
		last = tokenUsage.Get("last_token_usage")
	}
	if !last.IsObject() {
		return
	}
	if v := last.Get("inputTokens"); v.Type == gjson.Number {
		u.PromptTokens = int(v.Int())
	}
	if v := last.Get("outputTokens"); v.Type == gjson.Number {
		u.CompletionTokens = int(v.Int())
	}
}

func firstExisting(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
