package api

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestInputUnmarshal(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantText  string
		wantItems int
	}{
		{"string", `"hello"`, "hello", 0},
		{"items", `[{"type":"message","role":"user","content":"hi"}]`, "", 1},
		{"null", `null`, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in Input
			if err := json.Unmarshal([]byte(tt.body), &in); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if in.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", in.Text, tt.wantText)
			}
			if len(in.Items) != tt.wantItems {
				t.Errorf("len(Items) = %d, want %d", len(in.Items), tt.wantItems)
			}
		})
	}
}

func TestItemUnmarshalShapes(t *testing.T) {
	body := `[
		{"role":"user","content":"plain string"},
		{"type":"message","role":"user","content":[{"type":"input_text","text":"a"},{"type":"input_image","image_url":{"url":"http://x/img.png"}}]},
		{"type":"function_call","call_id":"c1","name":"ls","arguments":"{}"},
		{"type":"function_call_output","call_id":"c1","output":{"files":["a"]}},
		{"type":"input_image","image_url":"http://x/2.png"}
	]`
	var items []Item
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if items[0].Type != ItemTypeMessage || items[0].Message.Content[0].Text != "plain string" {
		t.Errorf("items[0] = %+v, want message with plain string content", items[0])
	}
	if got := items[1].Message.Content[1].ImageURL; got != "http://x/img.png" {
		t.Errorf("image url = %q, want %q", got, "http://x/img.png")
	}
	if items[2].FunctionCall.CallID != "c1" {
		t.Errorf("call_id = %q, want %q", items[2].FunctionCall.CallID, "c1")
	}
	if got := items[3].FunctionCallOutput.Output; got != `{"files":["a"]}` {
		t.Errorf("output = %q, want structured output as JSON text", got)
	}
	if items[4].Part == nil || items[4].Part.ImageURL != "http://x/2.png" {
		t.Errorf("items[4] = %+v, want top-level input_image", items[4])
	}
}

func TestOutputItemsMarshalFlat(t *testing.T) {
	resp := Response{
		ID:      "resp_abc",
		Object:  "response",
		Created: 1,
		Status:  ResponseStatusCompleted,
		Output: []Item{
			NewOutputMessage("msg_1", "hello"),
			NewFunctionCallItem("fc_1", "fc_1", "ls", `{"path":"."}`, ""),
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"}]}`,
		`{"id":"fc_1","type":"function_call","call_id":"fc_1","name":"ls","arguments":"{\"path\":\".\"}"}`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("envelope %s\nmissing %s", s, want)
		}
	}
	if strings.Contains(s, `"usage"`) {
		t.Error("usage should be omitted when nil")
	}
}

func TestToolChoice(t *testing.T) {
	tests := []struct {
		body       string
		wantMode   string
		wantForced string
	}{
		{`"none"`, "none", ""},
		{`"auto"`, "auto", ""},
		{`"required"`, "required", ""},
		{`{"type":"function","name":"ls"}`, "forced", "ls"},
		{`{"type":"function","function":{"name":"cat"}}`, "forced", "cat"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			var tc ToolChoice
			if err := json.Unmarshal([]byte(tt.body), &tc); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got := tc.Mode(); got != tt.wantMode {
				t.Errorf("Mode() = %q, want %q", got, tt.wantMode)
			}
			if got := tc.ForcedName(); got != tt.wantForced {
				t.Errorf("ForcedName() = %q, want %q", got, tt.wantForced)
			}
		})
	}

	var nilChoice *ToolChoice
	if got := nilChoice.Mode(); got != "auto" {
		t.Errorf("nil Mode() = %q, want auto", got)
	}
}

func TestToolDefinitionChatShape(t *testing.T) {
	var td ToolDefinition
	body := `{"type":"function","function":{"name":"ls","description":"list","parameters":{"type":"object"}}}`
	if err := json.Unmarshal([]byte(body), &td); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if td.Name != "ls" || td.Description != "list" || string(td.Parameters) != `{"type":"object"}` {
		t.Errorf("ToolDefinition = %+v", td)
	}
	if !td.IsFunction() {
		t.Error("IsFunction() = false, want true")
	}
}
