package engine

import (
	"strings"
	"testing"
)

// normalizeLines feeds lines through one normalizer until it finishes.
func normalizeLines(t *testing.T, lines ...string) ([]Event, Result) {
	t.Helper()
	var events []Event
	n := NewNormalizer(func(ev Event) { events = append(events, ev) })
	for _, line := range lines {
		if n.HandleLine([]byte(line)) {
			break
		}
	}
	return events, n.Result()
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func equalTypes(a, b []EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNormalizer_TextTurn(t *testing.T) {
	events, res := normalizeLines(t,
		`{"type":"agent_message_delta","msg":{"delta":"Hel"}}`,
		`{"type":"agent_message_delta","msg":{"delta":"lo"}}`,
		`{"type":"token_count","msg":{"prompt_tokens":5,"completion_tokens":2}}`,
		`{"type":"agent_message","msg":{"message":"Hello"}}`,
		`{"type":"task_complete","msg":{}}`,
		`{"type":"agent_message_delta","msg":{"delta":"after finish"}}`,
	)

	want := []EventType{EventTextDelta, EventTextDelta, EventUsage, EventText, EventFinish}
	if got := eventTypes(events); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[3].Text != "Hello" {
		t.Errorf("text = %q, want %q", events[3].Text, "Hello")
	}
	if !res.Finished || res.Reason != "stop" || res.Trigger != TriggerTaskComplete {
		t.Errorf("result = %+v, want finished with stop/task_complete", res)
	}
	if res.Usage.Prompt == nil || *res.Usage.Prompt != 5 || res.Usage.Completion == nil || *res.Usage.Completion != 2 {
		t.Errorf("usage = %+v, want 5/2", res.Usage)
	}
}

func TestNormalizer_LineShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"type inside msg", `{"id":"1","msg":{"type":"agent_message_delta","delta":"a"}}`, "a"},
		{"method with prefix", `{"method":"codex/event/agent_message_delta","params":{"msg":{"delta":"b"}}}`, "b"},
		{"content delta", `{"type":"agent_message_content_delta","msg":{"delta":{"content":[{"text":"c"}]}}}`, "c"},
		{"upper case type", `{"type":"AGENT_MESSAGE_DELTA","msg":{"delta":"d"}}`, "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, _ := normalizeLines(t, tt.line)
			if len(events) != 1 || events[0].Type != EventTextDelta || events[0].Text != tt.want {
				t.Errorf("events = %+v, want one text delta %q", events, tt.want)
			}
		})
	}
}

func TestNormalizer_SkipsMalformedLines(t *testing.T) {
	events, res := normalizeLines(t,
		`not json`,
		``,
		`{"type":"unknown_thing","msg":{}}`,
		`{"type":"agent_message_delta","msg":{"delta":""}}`,
	)
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
	if res.Finished {
		t.Error("Finished = true, want false")
	}
}

func TestNormalizer_ToolCalls(t *testing.T) {
	events, _ := normalizeLines(t,
		`{"type":"agent_message_delta","msg":{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"ls","arguments":"{\"pa"}}]}}}`,
		`{"type":"agent_message","msg":{"message":{"role":"assistant","function_call":{"name":"cat","arguments":"{}"}}}}`,
		`{"type":"dynamic_tool_call_request","msg":{"tool":"grep","callId":"call_9","arguments":{"q":"x"}}}`,
	)
	want := []EventType{EventToolCallsDelta, EventFunctionCall, EventToolCallsDelta}
	if got := eventTypes(events); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	first := events[0].Fragments[0]
	if first.ID != "call_1" || first.Name != "ls" || first.Arguments != `{"pa` {
		t.Errorf("tool_calls fragment = %+v", first)
	}
	if got := events[1].Fragments[0].Name; got != "cat" {
		t.Errorf("function_call name = %q, want cat", got)
	}
	dyn := events[2].Fragments[0]
	if dyn.ID != "call_9" || dyn.Name != "grep" || dyn.Arguments != `{"q":"x"}` || !dyn.HasArguments {
		t.Errorf("dynamic fragment = %+v", dyn)
	}
}

func TestNormalizer_OutputItems(t *testing.T) {
	events, _ := normalizeLines(t,
		`{"type":"response.output_item.added","msg":{"output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"read","arguments":""}}}`,
		`{"type":"response.function_call_arguments.delta","msg":{"item_id":"fc_1","output_index":1,"delta":"{\"path\":"}}`,
		`{"type":"response.function_call_arguments.delta","msg":{"item_id":"fc_1","output_index":1,"delta":"\"a.txt\"}"}}`,
		`{"type":"response.function_call_arguments.done","msg":{"item_id":"fc_1","arguments":"{\"path\":\"a.txt\"}"}}`,
		`{"type":"response.output_item.added","msg":{"output_index":0,"item":{"type":"message","id":"msg_1"}}}`,
		`{"type":"agent_message_delta","msg":{"delta":"ok"}}`,
	)
	want := []EventType{EventToolCallsDelta, EventToolCallsDelta, EventToolCallsDelta, EventToolCalls, EventTextDelta}
	if got := eventTypes(events); !equalTypes(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i, ev := range events[:4] {
		f := ev.Fragments[0]
		if f.ID != "call_1" || f.Index == nil || *f.Index != 1 {
			t.Errorf("event[%d] fragment = %+v, want call_1 at ordinal 1", i, f)
		}
	}
	if events[0].Fragments[0].Name != "read" || events[0].Fragments[0].HasArguments {
		t.Errorf("added fragment = %+v", events[0].Fragments[0])
	}
	if got := events[2].Fragments[0].Arguments; got != `"a.txt"}` {
		t.Errorf("second delta = %q", got)
	}
	if got := events[3].Fragments[0].Arguments; got != `{"path":"a.txt"}` {
		t.Errorf("done arguments = %q", got)
	}
	if events[4].Text != "ok" {
		t.Errorf("text = %q, want ok", events[4].Text)
	}
}

func TestNormalizer_DynamicToolDefaults(t *testing.T) {
	events, _ := normalizeLines(t,
		`{"type":"dynamic_tool_call_request","msg":{"name":"ls"}}`,
		`{"type":"dynamic_tool_call_request","msg":{"callId":"x"}}`,
	)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one (nameless request dropped)", events)
	}
	frag := events[0].Fragments[0]
	if !strings.HasPrefix(frag.ID, "dynamic_call_") {
		t.Errorf("ID = %q, want dynamic_call_ prefix", frag.ID)
	}
	if frag.Arguments != "{}" {
		t.Errorf("Arguments = %q, want {}", frag.Arguments)
	}
}

func TestNormalizer_FinishReason(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"from task_complete", []string{`{"type":"task_complete","msg":{"finish_reason":"length"}}`}, "length"},
		{"from agent_message", []string{
			`{"type":"agent_message","msg":{"message":"x","finish_reason":"content_filter"}}`,
			`{"type":"task_complete","msg":{"finish_reason":"stop"}}`,
		}, "content_filter"},
		{"default", []string{`{"type":"task_complete","msg":{}}`}, "stop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res := normalizeLines(t, tt.lines...)
			if res.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.want)
			}
		})
	}
}

func TestNormalizer_UsageShapes(t *testing.T) {
	_, res := normalizeLines(t,
		`{"type":"token_count","msg":{"info":{"total_token_usage":{"input_tokens":7,"output_tokens":3}}}}`,
	)
	u := res.Usage.API()
	if u == nil || u.InputTokens != 7 || u.OutputTokens != 3 || u.TotalTokens != 10 {
		t.Errorf("usage = %+v, want 7/3/10", u)
	}

	_, res = normalizeLines(t, `{"type":"token_count","msg":{"usage":{"prompt_tokens":4}}}`)
	u = res.Usage.API()
	if u == nil || u.InputTokens != 4 || u.TotalTokens != 0 {
		t.Errorf("partial usage = %+v, want input only without total", u)
	}
}

func TestNormalizer_FinishIsIdempotent(t *testing.T) {
	var finishes int
	n := NewNormalizer(func(ev Event) {
		if ev.Type == EventFinish {
			finishes++
		}
	})
	n.Finish("tool_calls", TriggerToolCall)
	n.Finish("stop", TriggerTaskComplete)
	if !n.HandleLine([]byte(`{"type":"task_complete","msg":{}}`)) {
		t.Error("HandleLine after finish = false, want true")
	}
	if finishes != 1 {
		t.Errorf("finish events = %d, want 1", finishes)
	}
	if got := n.Result(); got.Reason != "tool_calls" || got.Trigger != TriggerToolCall {
		t.Errorf("Result = %+v, want the first finish", got)
	}
}
