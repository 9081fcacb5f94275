package engine

import (
	"strings"
	"testing"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/toolcall"
)

func TestBuildEnvelope(t *testing.T) {
	resp := BuildEnvelope(EnvelopeParams{
		ResponseID: "chatcmpl-abc",
		Model:      "gpt-5",
		Created:    42,
		MessageID:  "msg_x",
		Text:       "hi",
		Calls: []toolcall.Call{
			{ID: "call_1", Function: toolcall.Function{Name: "ls", Arguments: "{}"}},
			{Function: toolcall.Function{Arguments: `{"a":1}`}},
		},
	})

	if resp.ID != "resp_abc" {
		t.Errorf("ID = %q, want resp_abc", resp.ID)
	}
	if resp.Object != "response" || resp.Status != api.ResponseStatusCompleted || resp.Created != 42 {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Output) != 3 {
		t.Fatalf("len(Output) = %d, want 3", len(resp.Output))
	}
	if resp.Output[0].ID != "msg_x" || resp.Output[0].Message.Content[0].Text != "hi" {
		t.Errorf("message = %+v", resp.Output[0])
	}
	if fc := resp.Output[1].FunctionCall; resp.Output[1].ID != "call_1" || fc.CallID != "call_1" || fc.Name != "ls" {
		t.Errorf("call 1 = %+v", resp.Output[1])
	}
	second := resp.Output[2]
	if !strings.HasPrefix(second.ID, "call_1_") {
		t.Errorf("generated id = %q, want call_1_ prefix", second.ID)
	}
	if second.FunctionCall.Name != second.ID {
		t.Errorf("nameless call name = %q, want its id %q", second.FunctionCall.Name, second.ID)
	}
	if resp.Usage != nil {
		t.Errorf("Usage = %+v, want nil", resp.Usage)
	}
}

func TestCollector_PrefersTextParts(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   string
	}{
		{"deltas only", []Event{{Type: EventTextDelta, Text: "a"}, {Type: EventTextDelta, Text: "b"}}, "ab"},
		{"parts win", []Event{{Type: EventTextDelta, Text: "partial"}, {Type: EventText, Text: "full"}}, "full"},
		{"nothing", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(nil)
			for _, ev := range tt.events {
				c.Handle(ev)
			}
			resp := c.Envelope("resp_1", "m", 1)
			if got := resp.Output[0].Message.Content[0].Text; got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollector_ToolCallsAndUsage(t *testing.T) {
	p, c := 10, 5
	col := NewCollector(&toolcall.Options{AllowedTools: []string{"ls", "cat"}})
	col.Handle(Event{Type: EventToolCallsDelta, Fragments: []toolcall.Fragment{
		{ID: "call_native", Type: "function", Name: "cat", Arguments: `{"f":"x"}`, HasArguments: true},
	}})
	col.Handle(Event{Type: EventText, Text: `Sure <tool_call>{"name":"ls","arguments":"{}"}</tool_call>`})
	col.Handle(Event{Type: EventUsage, Usage: TokenUsage{Prompt: &p, Completion: &c}})
	col.Handle(Event{Type: EventFinish, Reason: "length"})

	resp := col.Envelope("resp_2", "m", 1)
	if resp.Status != api.ResponseStatusIncomplete {
		t.Errorf("Status = %q, want incomplete", resp.Status)
	}
	if got := resp.Output[0].Message.Content[0].Text; got != "Sure " {
		t.Errorf("text = %q, want %q", got, "Sure ")
	}
	if len(resp.Output) != 3 {
		t.Fatalf("Output = %+v, want message and two calls", resp.Output)
	}
	if resp.Output[1].ID != "call_native" || resp.Output[2].ID != "fc_001" {
		t.Errorf("call ids = %q, %q", resp.Output[1].ID, resp.Output[2].ID)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", resp.Usage)
	}
	if native, inline := col.ToolCalls(); native != 1 || inline != 1 {
		t.Errorf("ToolCalls() = %d, %d; want 1, 1", native, inline)
	}
}

func TestCollector_StrictParseFailure(t *testing.T) {
	col := NewCollector(&toolcall.Options{AllowedTools: []string{"ls"}, StrictFallback: true})
	col.Handle(Event{Type: EventText, Text: `<tool_call>{"name":"rm","arguments":"{}"}</tool_call>`})
	resp := col.Envelope("resp_3", "m", 1)

	if resp.Status != api.ResponseStatusFailed {
		t.Errorf("Status = %q, want failed", resp.Status)
	}
	if got := resp.Output[0].Message.Content[0].Text; got != "Tool call parsing failed: unknown tool: rm" {
		t.Errorf("text = %q", got)
	}
	if len(resp.Output) != 1 {
		t.Errorf("Output = %+v, want the message only", resp.Output)
	}
}
