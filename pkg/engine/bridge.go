package engine

import (
	"github.com/tidwall/sjson"

	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/worker"
)

// eventLine renders a worker event as a normalizer line. ok is false for
// events the normalizer has no use for.
func eventLine(ev worker.Event) (line []byte, ok bool) {
	var (
		typ string
		msg []byte
	)
	switch ev.Kind {
	case worker.EventDelta:
		typ, msg = "agent_message_delta", ev.Payload
	case worker.EventMessage:
		typ, msg = "agent_message", ev.Payload
	case worker.EventUsage:
		if ev.Usage == nil {
			return nil, false
		}
		msg, _ = sjson.SetBytes([]byte(`{}`), "prompt_tokens", ev.Usage.PromptTokens)
		msg, _ = sjson.SetBytes(msg, "completion_tokens", ev.Usage.CompletionTokens)
		typ = "token_count"
	case worker.EventOutputItem:
		typ, msg = ev.Method, ev.Payload
	case worker.EventNotification:
		if ev.Method != worker.MethodDynamicToolCall {
			return nil, false
		}
		typ, msg = worker.MethodDynamicToolCall, ev.Payload
	case worker.EventResult:
		msg = []byte(`{}`)
		if ev.Summary != nil && ev.Summary.FinishReason != "" {
			msg, _ = sjson.SetBytes(msg, "finish_reason", ev.Summary.FinishReason)
		}
		typ = "task_complete"
	default:
		return nil, false
	}
	if len(msg) == 0 {
		msg = []byte(`{}`)
	}
	out, err := sjson.SetBytes([]byte(`{}`), "type", typ)
	if err == nil {
		out, err = sjson.SetRawBytes(out, "msg", msg)
	}
	if err != nil {
		debug.Log("stream", "dropping unencodable worker event", "kind", ev.Kind, "error", err)
		return nil, false
	}
	return out, true
}
