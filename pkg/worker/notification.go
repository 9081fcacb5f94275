package worker

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// NotificationKind is the closed set of worker notifications the transport
// acts on. Methods outside the set decode to NotificationUnknown.
type NotificationKind int

const (
	NotificationUnknown NotificationKind = iota
	NotificationTokenUsage
	NotificationAgentMessageDelta
	NotificationAgentMessageContentDelta
	NotificationAgentMessage
	NotificationTokenCount
	NotificationOutputItem
	NotificationRequestTimeout
	NotificationTaskComplete
	NotificationTurnCompleted
	NotificationItemCompleted
	NotificationError
)

var notificationNames = map[NotificationKind]string{
	NotificationUnknown:                  "unknown",
	NotificationTokenUsage:               "token_usage",
	NotificationAgentMessageDelta:        "agent_message_delta",
	NotificationAgentMessageContentDelta: "agent_message_content_delta",
	NotificationAgentMessage:             "agent_message",
	NotificationTokenCount:               "token_count",
	NotificationOutputItem:               "output_item",
	NotificationRequestTimeout:           "request_timeout",
	NotificationTaskComplete:             "task_complete",
	NotificationTurnCompleted:            "turn_completed",
	NotificationItemCompleted:            "item_completed",
	NotificationError:                    "error",
}

func (k NotificationKind) String() string {
	return notificationNames[k]
}

var notificationMethods = map[string]NotificationKind{
	"thread/tokenUsage/updated":              NotificationTokenUsage,
	"agentMessageDelta":                      NotificationAgentMessageDelta,
	"agent_message_delta":                    NotificationAgentMessageDelta,
	"agent_message_content_delta":            NotificationAgentMessageContentDelta,
	"agentMessage":                           NotificationAgentMessage,
	"agent_message":                          NotificationAgentMessage,
	"tokenCount":                             NotificationTokenCount,
	"token_count":                            NotificationTokenCount,
	"response.output_item.added":             NotificationOutputItem,
	"response.output_item.done":              NotificationOutputItem,
	"response.function_call_arguments.delta": NotificationOutputItem,
	"response.function_call_arguments.done":  NotificationOutputItem,
	"requestTimeout":                         NotificationRequestTimeout,
	"taskComplete":                           NotificationTaskComplete,
	"task_complete":                          NotificationTaskComplete,
	"turn/completed":                         NotificationTurnCompleted,
	"item/completed":                         NotificationItemCompleted,
	"item_completed":                         NotificationItemCompleted,
	"error":                                  NotificationError,
}

// Notification is a decoded worker notification. Payload is params.msg when
// that is an object, otherwise params.
type Notification struct {
	Kind    NotificationKind
	Method  string
	Params  gjson.Result
	Payload gjson.Result
}

// NormalizeMethod strips the legacy "codex/event/" prefix.
func NormalizeMethod(method string) string {
	const prefix = "codex/event/"
	if len(method) >= len(prefix) && strings.EqualFold(method[:len(prefix)], prefix) {
		return method[len(prefix):]
	}
	return method
}

// DecodeNotification classifies method and selects the payload.
func DecodeNotification(method string, params json.RawMessage) Notification {
	m := NormalizeMethod(method)
	p := gjson.ParseBytes(params)
	if !p.IsObject() {
		p = gjson.Parse("{}")
	}
	payload := p
	if msg := p.Get("msg"); msg.IsObject() {
		payload = msg
	}
	return Notification{
		Kind:    notificationMethods[m],
		Method:  m,
		Params:  p,
		Payload: payload,
	}
}

// ToolType returns payload.item.type or payload.type.
func (n Notification) ToolType() string {
	if t := n.Payload.Get("item.type"); t.Type == gjson.String {
		return strings.TrimSpace(t.String())
	}
	if t := n.Payload.Get("type"); t.Type == gjson.String {
		return strings.TrimSpace(t.String())
	}
	return ""
}

// contextKeys are the params paths that may identify the owning context, in
// priority order.
var contextKeys = []string{
	"threadId",
	"thread_id",
	"conversation.id",
	"context.thread_id",
	"context.threadId",
	"request_id",
	"requestId",
}

// contextCandidates returns the non-empty identifiers found in params.
func contextCandidates(params gjson.Result) []string {
	var ids []string
	for _, key := range contextKeys {
		if v := params.Get(key); v.Exists() && v.Type != gjson.Null {
			if s := v.String(); s != "" {
				ids = append(ids, s)
			}
		}
	}
	return ids
}
